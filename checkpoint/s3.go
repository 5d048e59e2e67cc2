package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"legalner.dev/lnt/logger"
)

// S3 stores checkpoints in an S3 bucket under <prefix>/<runID>/<name>.
// Sessions are refreshed through a holder goroutine when an operation fails,
// so expired EC2 role credentials recover without restarting the run.
type S3 struct {
	holder     *sessionHolder
	bucketName string
	region     string
	env        s3Environment
}

type sessionHolder struct {
	curr      *session.Session
	requestCh <-chan *session.Session
	errorCh   chan<- error
	closeCh   chan<- struct{}
}

var s3Log = logger.NewLogger("S3Store")
var sdkLog = logger.NewLogger("S3-SDK")

type s3Environment struct {
	BucketName  string `envconfig:"LNT_COMN_STORAGE_CONTAINER_NAME" required:"true"`
	Env         string `envconfig:"LNT_ENV" required:"true"`
	Region      string `envconfig:"LNT_COMN_AWS_REGION_NAME" required:"true"`
	AwsEndpoint string `envconfig:"LNT_COMN_AWS_ENDPOINT_URL" default:""`
	AccessKeyID string `envconfig:"LNT_COMN_AWS_ACCESS_ID" default:""`
	AccessKey   string `envconfig:"LNT_COMN_AWS_ACCESS_KEY" default:""`
	KeyPrefix   string `envconfig:"LNT_COMN_CHECKPOINT_PREFIX" default:"checkpoints"`
}

func NewS3() (*S3, error) {
	var env s3Environment
	if err := envconfig.Process("", &env); err != nil {
		s3Log.Err(err).Msg("Failed to get proper variables from environment")
		return nil, err
	}
	store := S3{
		bucketName: env.BucketName,
		region:     env.Region,
		env:        env,
	}
	sessionCh := make(chan *session.Session)
	errorCh := make(chan error)
	closeCh := make(chan struct{}, 1)

	store.holder = &sessionHolder{
		requestCh: sessionCh,
		errorCh:   errorCh,
		closeCh:   closeCh,
	}
	if err := store.acquireNewSession(); err != nil {
		return nil, err
	}
	go keepSessionRefreshed(&store, sessionCh, errorCh, closeCh)
	return &store, nil
}

func (store *S3) Save(runID, name string, data []byte) (string, error) {
	key := path.Join(store.env.KeyPrefix, runID, name)
	params := &s3manager.UploadInput{
		Bucket: &store.bucketName,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}
	sess, err := store.session()
	if err != nil {
		return "", err
	}
	if _, err := store.upload(sess, params); err == nil {
		return key, nil
	} else if sess, err = store.tryRefreshingSession(err); err != nil {
		return "", err
	}
	if _, err := store.upload(sess, params); err != nil {
		return "", err
	}
	return key, nil
}

func (store *S3) Load(key string) ([]byte, error) {
	params := &s3.GetObjectInput{
		Bucket: &store.bucketName,
		Key:    &key,
	}
	sess, err := store.session()
	if err != nil {
		return nil, err
	}
	res, err := store.download(sess, params)
	if err == nil {
		return res, nil
	}
	sess, err = store.tryRefreshingSession(err)
	if err != nil {
		return nil, err
	}
	return store.download(sess, params)
}

func (store *S3) List(runID string) ([]string, error) {
	prefix := path.Join(store.env.KeyPrefix, runID) + "/"
	params := &s3.ListObjectsV2Input{
		Bucket: &store.bucketName,
		Prefix: &prefix,
	}
	sess, err := store.session()
	if err != nil {
		return nil, err
	}
	keys, err := store.listKeys(sess, params)
	if err == nil {
		return keys, nil
	}
	sess, err = store.tryRefreshingSession(err)
	if err != nil {
		return nil, err
	}
	return store.listKeys(sess, params)
}

func (store *S3) listKeys(sess *session.Session, params *s3.ListObjectsV2Input) ([]string, error) {
	var keys []string
	err := s3.New(sess).ListObjectsV2Pages(params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (store *S3) Close() {
	store.holder.closeCh <- struct{}{}
}

func (store *S3) upload(sess *session.Session, params *s3manager.UploadInput) (*s3manager.UploadOutput, error) {
	opLog := s3Log.With().
		Str("key", *params.Key).
		Str("bucket", *params.Bucket).Logger()

	awsLog := sdkLog.With().
		Str("key", *params.Key).
		Str("bucket", *params.Bucket).Logger()

	uploader := s3manager.NewUploader(sess.Copy(&aws.Config{Logger: getSDKLogger(awsLog)}))
	opLog.Debug().Msg("Uploading checkpoint")
	return uploader.Upload(params)
}

func (store *S3) download(sess *session.Session, params *s3.GetObjectInput) ([]byte, error) {
	opLog := s3Log.With().
		Str("key", *params.Key).
		Str("bucket", *params.Bucket).Logger()

	awsLog := sdkLog.With().
		Str("key", *params.Key).
		Str("bucket", *params.Bucket).Logger()

	downloader := s3manager.NewDownloader(sess.Copy(&aws.Config{Logger: getSDKLogger(awsLog)}))

	buf := aws.NewWriteAtBuffer([]byte{})

	opLog.Debug().Msg("Downloading checkpoint")

	size, err := downloader.Download(buf, params)
	if err != nil {
		opLog.Error().Err(err).Msg("Failed to download checkpoint")
		return nil, err
	}
	opLog.Debug().Msgf("Downloaded %v bytes", size)
	return buf.Bytes(), nil
}

func keepSessionRefreshed(store *S3, sessionCh chan<- *session.Session, errorCh <-chan error, closeCh <-chan struct{}) {
	for {
		select {
		case sessionCh <- store.holder.curr:
			continue
		default:
		}
		select {
		case sessionCh <- store.holder.curr:
		case err := <-errorCh:
			s3Log.Error().Err(err).Msg("Caught error while using S3 session, trying to refresh it")
			if err = store.acquireNewSession(); err != nil {
				s3Log.Error().Err(err).Msg("Caught error while refreshing S3 session")
				continue
			}
			s3Log.Info().Msg("Successfully refreshed session")
		case <-closeCh:
			s3Log.Info().Msg("Closing store")
			return
		}
	}
}

func (store *S3) tryRefreshingSession(err error) (*session.Session, error) {
	var sess *session.Session
	select {
	case store.holder.errorCh <- err:
		sess = <-store.holder.requestCh
	case sess = <-store.holder.requestCh:
	}
	if sess == nil {
		return nil, errors.New("failed to refresh session")
	}
	return sess, nil
}

func (store *S3) session() (*session.Session, error) {
	sess := <-store.holder.requestCh
	if sess == nil {
		return nil, errors.New("could not get session")
	}
	return sess, nil
}

func (store *S3) createEC2Config() *aws.Config {
	return &aws.Config{
		Region:     aws.String(store.region),
		MaxRetries: aws.Int(4),
		LogLevel:   aws.LogLevel(aws.LogDebug),
	}
}

func (store *S3) createEnvConfig() *aws.Config {
	creds := credentials.NewStaticCredentials(
		store.env.AccessKeyID,
		store.env.AccessKey,
		"")
	if _, err := creds.Get(); err != nil {
		s3Log.Error().Err(err).Msg("Error with credentials from environment")
		panic(err)
	}
	cfg := aws.NewConfig().
		WithRegion(store.region).
		WithMaxRetries(4).
		WithCredentials(creds).
		WithLogLevel(aws.LogDebug)

	inDevEnv := store.env.Env == "dev"
	if inDevEnv && len(store.env.AwsEndpoint) > 0 {
		cfg = cfg.WithEndpoint(store.env.AwsEndpoint).
			WithS3ForcePathStyle(true)
	}
	return cfg
}

func (store *S3) acquireNewSession() error {
	sess, err := session.NewSession(
		store.createEC2Config(),
	)
	if err != nil {
		store.holder.curr = nil
		s3Log.Error().Err(err).Msg("Could not initialize S3 session")
		return err
	}
	_, err = sts.New(sess).GetCallerIdentity(&sts.GetCallerIdentityInput{})
	if err == nil {
		store.holder.curr = sess
		s3Log.Info().Msg("S3 session successfully initialized using EC2")
		return nil
	}
	s3Log.Info().Msg("Could not initialize S3 session using EC2, trying env credentials")
	sess, err = session.NewSession(
		store.createEnvConfig(),
	)
	if err != nil {
		store.holder.curr = nil
		s3Log.Error().Err(err).Msg("Could not initialize S3 session")
		return err
	}
	_, err = sts.New(sess).GetCallerIdentity(&sts.GetCallerIdentityInput{})
	if err != nil {
		store.holder.curr = nil
		s3Log.Error().Err(err).Msg("Could not initialize S3 session")
		return errors.New("could not initialize S3 session")
	}
	store.holder.curr = sess
	s3Log.Info().Msg("S3 session successfully initialized using env credentials")
	return nil
}

type sdkLogger struct {
	log zerolog.Logger
}

func getSDKLogger(log zerolog.Logger) *sdkLogger {
	return &sdkLogger{log}
}

func (l *sdkLogger) Log(v ...interface{}) {
	l.log.Debug().Msg(fmt.Sprint(v...))
}
