package main

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable/stepconf"
	"github.com/bitrise-io/go-resumable/transport"
	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Inputs are the settings of the upload command. Defaults are overridden
// by CHUNKUP_ environment variables, those by flags.
type Inputs struct {
	Target          string          `env:"target"`
	ChunkSize       string          `env:"chunk_size"`
	ForceChunkSize  bool            `env:"force_chunk_size"`
	Simultaneous    int             `env:"simultaneous"`
	MaxFiles        int             `env:"max_files"`
	MaxFileSize     string          `env:"max_file_size"`
	FileTypes       []string        `env:"file_types"`
	TestChunks      bool            `env:"test_chunks"`
	TestMethod      string          `env:"test_method,opt[GET,POST,HEAD]"`
	Headers         []string        `env:"headers"`
	Query           []string        `env:"query"`
	AuthToken       stepconf.Secret `env:"auth_token"`
	WithCredentials bool            `env:"with_credentials"`
	FileField       string          `env:"file_parameter_name"`
	FileNameField   string          `env:"file_name_field"`
	Compress        bool            `env:"compress"`
	Retries         int             `env:"retries"`
	Timeout         time.Duration   `env:"timeout"`
	HungThreshold   time.Duration   `env:"hung_threshold"`
	Journal         string          `env:"journal"`
	MetricsAddr     string          `env:"metrics_addr"`
	Analytics       bool            `env:"analytics"`
	Verbose         bool            `env:"verbose"`

	S3Bucket           string          `env:"s3_bucket"`
	S3Region           string          `env:"s3_region"`
	S3Prefix           string          `env:"s3_prefix"`
	S3Endpoint         string          `env:"s3_endpoint"`
	S3PathStyle        bool            `env:"s3_path_style"`
	AWSAccessKeyID     stepconf.Secret `env:"aws_access_key_id"`
	AWSSecretAccessKey stepconf.Secret `env:"aws_secret_access_key"`
}

func defaultInputs() Inputs {
	defaults := upload.DefaultConfig()
	return Inputs{
		ChunkSize:     units.BytesSize(float64(defaults.ChunkSize)),
		Simultaneous:  defaults.SimultaneousUploads,
		MaxFileSize:   fmt.Sprintf("%d", defaults.MaxFileSize),
		TestMethod:    "POST",
		FileField:     transport.DefaultFileParameterName,
		FileNameField: "fileName",
		Retries:       defaults.MaxRetries,
		Timeout:       defaults.ChunkTimeout,
	}
}

func (i Inputs) sessionConfig() (upload.Config, error) {
	config := upload.DefaultConfig()

	chunkSize, err := units.RAMInBytes(i.ChunkSize)
	if err != nil {
		return upload.Config{}, fmt.Errorf("invalid chunk size: %w", err)
	}
	maxFileSize, err := units.RAMInBytes(i.MaxFileSize)
	if err != nil {
		return upload.Config{}, fmt.Errorf("invalid max file size: %w", err)
	}
	if i.S3Bucket != "" && chunkSize < transport.MinS3PartSize {
		return upload.Config{}, fmt.Errorf("chunk size %s is below the S3 minimum part size of %s",
			units.BytesSize(float64(chunkSize)), units.BytesSize(transport.MinS3PartSize))
	}

	config.ChunkSize = chunkSize
	config.ForceChunkSize = i.ForceChunkSize
	config.SimultaneousUploads = i.Simultaneous
	config.MaxFiles = i.MaxFiles
	config.MaxFileSize = maxFileSize
	config.FileTypes = i.FileTypes
	config.TestChunks = i.TestChunks
	config.FileNameField = i.FileNameField
	config.MaxRetries = i.Retries
	config.ChunkTimeout = i.Timeout
	config.Target = i.target()
	return config, nil
}

// target names the destination of the uploads in journal records.
func (i Inputs) target() string {
	if i.S3Bucket == "" {
		return i.Target
	}
	location := path.Join(i.S3Bucket, i.S3Prefix)
	if i.S3Endpoint != "" {
		return strings.TrimSuffix(i.S3Endpoint, "/") + "/" + location
	}
	return "s3://" + location
}

func (i Inputs) httpConfig() (transport.HTTPConfig, error) {
	config := transport.DefaultHTTPConfig(i.Target)
	config.TestMethod = i.TestMethod
	config.FileParameterName = i.FileField
	config.Compress = i.Compress
	if i.WithCredentials {
		config.Credentials = transport.CredentialsInclude
	}

	for _, header := range i.Headers {
		key, value, ok := strings.Cut(header, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return transport.HTTPConfig{}, fmt.Errorf("invalid header, expected 'Key: value': %q", header)
		}
		config.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if i.AuthToken != "" {
		config.Headers["Authorization"] = "Bearer " + string(i.AuthToken)
	}

	for _, param := range i.Query {
		key, value, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return transport.HTTPConfig{}, fmt.Errorf("invalid query parameter, expected 'key=value': %q", param)
		}
		config.Query[key] = value
	}

	return config, nil
}

// newTransport returns the S3 transport when a bucket is set, the HTTP transport otherwise.
func (i Inputs) newTransport(ctx context.Context, logger log.Logger) (transport.Transport, error) {
	var (
		t   transport.Transport
		err error
	)
	switch {
	case i.S3Bucket != "":
		t, err = transport.NewS3(ctx, transport.S3Config{
			Bucket:          i.S3Bucket,
			Prefix:          i.S3Prefix,
			Region:          i.S3Region,
			AccessKeyID:     string(i.AWSAccessKeyID),
			SecretAccessKey: string(i.AWSSecretAccessKey),
			Endpoint:        i.S3Endpoint,
			UsePathStyle:    i.S3PathStyle,
		}, logger)
	case i.Target != "":
		var config transport.HTTPConfig
		config, err = i.httpConfig()
		if err != nil {
			return nil, err
		}
		t, err = transport.NewHTTP(config, logger)
	default:
		return nil, fmt.Errorf("either a target URL or an S3 bucket is required")
	}
	if err != nil {
		return nil, err
	}

	if i.HungThreshold > 0 {
		t = transport.WithHungDetection(t, i.HungThreshold, logger)
	}
	return t, nil
}
