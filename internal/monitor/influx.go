package monitor

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/OCAP2/mapsync/internal/config"
)

const bucketRetention = 60 * 60 * 24 * 30 // 30 days

// InfluxSink writes points to one InfluxDB bucket. When the server is
// unreachable at Connect, points go to a gzipped line protocol backup file.
type InfluxSink struct {
	cfg        config.InfluxConfig
	backupPath string
	logger     zerolog.Logger

	mu           sync.Mutex
	client       influxdb2.Client
	writer       influxdb2_api.WriteAPI
	backupFile   *os.File
	backupWriter *gzip.Writer
	valid        bool
}

// NewInfluxSink creates an unconnected sink.
func NewInfluxSink(cfg config.InfluxConfig, backupPath string, logger zerolog.Logger) *InfluxSink {
	return &InfluxSink{cfg: cfg, backupPath: backupPath, logger: logger}
}

// Connect pings the server and prepares the bucket. A failed ping switches
// to the backup file.
func (s *InfluxSink) Connect(ctx context.Context) error {
	if !s.cfg.Enabled {
		return errors.New("influx.enabled is false")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", s.cfg.Protocol, s.cfg.Host, s.cfg.Port),
		s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.valid = false
		s.logger.Warn().Err(err).Str("backupPath", s.backupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return s.openBackup()
	}

	if err := s.setupBucket(ctx); err != nil {
		return err
	}

	s.writer = s.client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
	go func(errs <-chan error) {
		for writeErr := range errs {
			s.logger.Error().Err(writeErr).Str("bucket", s.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(s.writer.Errors())

	s.valid = true
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (s *InfluxSink) openBackup() error {
	if s.backupWriter != nil {
		return nil
	}
	if s.backupPath == "" {
		return errors.New("influx unreachable and no backup path configured")
	}
	f, err := os.OpenFile(s.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	s.backupFile = f
	s.backupWriter = gzip.NewWriter(f)
	return nil
}

func (s *InfluxSink) setupBucket(ctx context.Context) error {
	orgs := s.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		s.logger.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, s.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", s.cfg.Org, err)
		}
	}

	if _, err := s.client.BucketsAPI().FindBucketByName(ctx, s.cfg.Bucket); err == nil {
		return nil
	}
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = s.client.BucketsAPI().CreateBucketWithName(ctx, org, s.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: bucketRetention,
	})
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// WritePoint writes p to InfluxDB or the backup file.
func (s *InfluxSink) WritePoint(_ context.Context, p *write.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid {
		s.writer.WritePoint(p)
		return nil
	}
	if s.backupWriter == nil {
		return errors.New("influx sink not connected")
	}
	line := write.PointToLineProtocol(p, time.Nanosecond)
	if _, err := s.backupWriter.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to backup file: %w", err)
	}
	return nil
}

// Close flushes pending writes and releases the client and backup file.
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.backupWriter != nil {
		errs = append(errs, s.backupWriter.Close())
		errs = append(errs, s.backupFile.Close())
		s.backupWriter = nil
	}
	s.valid = false
	return errors.Join(errs...)
}
