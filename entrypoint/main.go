package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"legalner.dev/lnt/checkpoint"
	"legalner.dev/lnt/crf"
	"legalner.dev/lnt/dataset"
	"legalner.dev/lnt/encoder"
	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/logger"
	"legalner.dev/lnt/model"
	"legalner.dev/lnt/tracker"
	"legalner.dev/lnt/train"
	"legalner.dev/lnt/types"
	"legalner.dev/lnt/worker"
)

type Config struct {
	ConfigPath    string `envconfig:"LNT_CONFIG_PATH" required:"true"`
	CheckpointKey string `envconfig:"LNT_CHECKPOINT_KEY" default:""`
}

const workerRestartDelay = 5 * time.Second

func main() {
	logger.SetupLogging()
	mainLogger := logger.NewLogger("Main")
	serve := flag.Bool("serve", false, "consume tag requests from the queue instead of training")
	configPath := flag.String("config", "", "run config path, overrides LNT_CONFIG_PATH")
	batchSize := flag.Int("batch-size", 0, "batch size, overrides the run config")
	epochs := flag.Int("epochs", 0, "epoch count, overrides the run config")
	learningRate := flag.Float64("lr", 0, "learning rate, overrides the run config")
	weightDecay := flag.Float64("weight-decay", 0, "weight decay, overrides the run config")
	warmupRatio := flag.Float64("warmup-ratio", 0, "warmup ratio, overrides the run config")
	scheduler := flag.String("scheduler", "", "scheduler name, overrides the run config")
	workers := flag.Int("workers", 0, "data worker count, overrides the run config")
	freeze := flag.Bool("freeze", false, "freeze encoders, overrides the run config")
	flag.Parse()

	var config Config
	if err := envconfig.Process("", &config); err != nil {
		mainLogger.Fatal().Caller().Err(err).Msg("Failed to read environment")
		os.Exit(1)
	}
	if *configPath != "" {
		config.ConfigPath = *configPath
	}

	runCfg, err := types.LoadRunConfig(config.ConfigPath)
	if err != nil {
		mainLogger.Fatal().Err(err).Str("path", config.ConfigPath).Msg("Failed to load run config")
		os.Exit(1)
	}

	// Flags set on the command line win over the YAML values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "batch-size":
			runCfg.BatchSize = *batchSize
		case "epochs":
			runCfg.Epochs = *epochs
		case "lr":
			runCfg.LearningRate = *learningRate
		case "weight-decay":
			runCfg.WeightDecay = *weightDecay
		case "warmup-ratio":
			runCfg.WarmupRatio = *warmupRatio
		case "scheduler":
			runCfg.Scheduler = *scheduler
		case "workers":
			runCfg.Workers = *workers
		case "freeze":
			runCfg.Freeze = *freeze
		}
	})
	if err := runCfg.Validate(); err != nil {
		mainLogger.Fatal().Err(err).Msg("Run config is invalid")
		os.Exit(1)
	}
	mainLogger.Info().Str("run_id", runCfg.RunID()).Msg("Loaded run config")

	tagger, builder, err := buildTagger(runCfg, &mainLogger)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to build tagger")
		os.Exit(1)
	}

	if *serve {
		serveLoop(tagger, builder, runCfg, config, &mainLogger)
		return
	}
	trainRun(tagger, builder, runCfg, &mainLogger)
}

func buildTagger(runCfg types.RunConfig, mainLogger *zerolog.Logger) (*model.Tagger, *dataset.Builder, error) {
	repo := hub.New(runCfg.TokenizerID)
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, nil, err
	}

	encoders := make([]encoder.Encoder, 0, len(runCfg.EncoderPaths))
	for _, modelPath := range runCfg.EncoderPaths {
		enc, err := encoder.NewONNXEncoder(modelPath, runCfg.MaxSeqLen)
		if err != nil {
			return nil, nil, err
		}
		mainLogger.Info().Str("model", modelPath).Int("hidden", enc.HiddenSize()).Msg("Loaded encoder")
		encoders = append(encoders, enc)
	}
	combiner, err := encoder.NewConcat(encoders...)
	if err != nil {
		return nil, nil, err
	}

	scheme := labels.Default()
	builder, err := dataset.NewBuilder(tok, scheme, dataset.Config{
		MaxSeqLen:  runCfg.MaxSeqLen,
		UseTypeIDs: true,
	})
	if err != nil {
		return nil, nil, err
	}

	layer, err := crf.NewLinearChain(scheme.Size(), rand.New(rand.NewSource(runCfg.Seed)))
	if err != nil {
		return nil, nil, err
	}
	tagger, err := model.New(combiner, layer, model.Config{
		Scheme:  scheme,
		Dropout: runCfg.Dropout,
		Freeze:  runCfg.Freeze,
		Seed:    runCfg.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	return tagger, builder, nil
}

func trainRun(tagger *model.Tagger, builder *dataset.Builder, runCfg types.RunConfig, mainLogger *zerolog.Logger) {
	ctx := context.Background()

	trainDocs, err := dataset.Load(runCfg.TrainPath)
	if err != nil {
		mainLogger.Fatal().Err(err).Str("path", runCfg.TrainPath).Msg("Failed to load training corpus")
		os.Exit(1)
	}
	validDocs, err := dataset.Load(runCfg.ValidPath)
	if err != nil {
		mainLogger.Fatal().Err(err).Str("path", runCfg.ValidPath).Msg("Failed to load validation corpus")
		os.Exit(1)
	}
	trainSet, err := dataset.EncodeAll(builder, trainDocs, runCfg.Workers)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to encode training corpus")
		os.Exit(1)
	}
	validSet, err := dataset.EncodeAll(builder, validDocs, runCfg.Workers)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to encode validation corpus")
		os.Exit(1)
	}
	mainLogger.Info().
		Int("train", len(trainSet)).
		Int("valid", len(validSet)).
		Msg("Corpora encoded")

	store, err := checkpoint.ForConfig(runCfg)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to create checkpoint store")
		os.Exit(1)
	}

	var sink train.Sink
	var runs *tracker.Tracker
	if runCfg.TrackRun {
		runs, err = tracker.New()
		if err != nil {
			mainLogger.Fatal().Err(err).Msg("Failed to connect to run tracker")
			os.Exit(1)
		}
		defer runs.Close()
		if err := runs.Start(ctx, runCfg); err != nil {
			mainLogger.Fatal().Err(err).Msg("Failed to register run")
			os.Exit(1)
		}
		sink = runs
	}

	trainer, err := train.NewTrainer(tagger, train.ArgumentsFromConfig(runCfg), trainSet, validSet, store, sink, runCfg.RunID())
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to create trainer")
		os.Exit(1)
	}

	summary, err := trainer.Train(ctx)
	if err != nil {
		mainLogger.Err(err).Msg("Training failed")
		if runs != nil {
			if trackErr := runs.Fail(ctx, runCfg.RunID(), err); trackErr != nil {
				mainLogger.Err(trackErr).Msg("Failed to mark run as failed")
			}
		}
		os.Exit(1)
	}
	if runs != nil {
		if err := runs.Complete(ctx, runCfg.RunID()); err != nil {
			mainLogger.Err(err).Msg("Failed to mark run as completed")
		}
	}
	mainLogger.Info().
		Int("epochs", summary.EpochsRun).
		Int("best_epoch", summary.BestEpoch).
		Float64("best_f1_strict", summary.BestStrictF1).
		Str("checkpoint", summary.BestCheckpoint).
		Msg("Training complete")
}

func serveLoop(tagger *model.Tagger, builder *dataset.Builder, runCfg types.RunConfig, config Config, mainLogger *zerolog.Logger) {
	key := config.CheckpointKey
	if key == "" && runCfg.TrackRun {
		key = bestCheckpointKey(runCfg, mainLogger)
	}
	if key != "" {
		store, err := checkpoint.ForConfig(runCfg)
		if err != nil {
			mainLogger.Fatal().Err(err).Msg("Failed to create checkpoint store")
			os.Exit(1)
		}
		data, err := store.Load(key)
		if err != nil {
			mainLogger.Fatal().Err(err).Str("key", key).Msg("Failed to load checkpoint")
			os.Exit(1)
		}
		if err := tagger.UnmarshalHead(data); err != nil {
			mainLogger.Fatal().Err(err).Msg("Checkpoint does not match the model")
			os.Exit(1)
		}
		mainLogger.Info().Str("key", key).Msg("Restored checkpoint")
	}

	mainLogger.Info().Msg("Start tagging worker")
	startWorkerLoop(tagger, builder, runCfg, mainLogger)
}

// bestCheckpointKey asks the run tracker for the best checkpoint recorded
// under this run. Returns "" when the run has no recorded best yet.
func bestCheckpointKey(runCfg types.RunConfig, mainLogger *zerolog.Logger) string {
	runs, err := tracker.New()
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to connect to run tracker")
		os.Exit(1)
	}
	defer runs.Close()

	doc, err := runs.Get(context.Background(), runCfg.RunID())
	if err != nil {
		mainLogger.Fatal().Err(err).Str("run_id", runCfg.RunID()).Msg("Failed to read run document")
		os.Exit(1)
	}
	if doc == nil || doc.Best == nil {
		mainLogger.Warn().Str("run_id", runCfg.RunID()).Msg("Run has no best checkpoint, serving untrained weights")
		return ""
	}
	return doc.Best.CheckpointKey
}

func startWorkerLoop(tagger *model.Tagger, builder *dataset.Builder, runCfg types.RunConfig, mainLogger *zerolog.Logger) {
	for {
		rmqWorker, err := worker.New(tagger, builder, runCfg.RunID())
		if err != nil {
			mainLogger.Fatal().Err(err).Msg("Could not initialize RMQ worker")
			os.Exit(1)
		}
		err = rmqWorker.StartWorker()
		if err != nil {
			mainLogger.Err(err).Msgf("Worker returned with error. Launching new in %s", workerRestartDelay)
			time.Sleep(workerRestartDelay)
		}
	}
}
