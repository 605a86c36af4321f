package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketlens/config"
	"marketlens/logger"
	"marketlens/models"
	"marketlens/processor"
)

// tradeRecord is the parquet schema of one archived trade.
type tradeRecord struct {
	Symbol          string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TrdMatchID      string  `parquet:"name=trd_match_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp       string  `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime       int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Side            string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price           float64 `parquet:"name=price, type=DOUBLE"`
	Size            float64 `parquet:"name=size, type=DOUBLE"`
	GrossValue      float64 `parquet:"name=gross_value, type=DOUBLE"`
	HomeNotional    float64 `parquet:"name=home_notional, type=DOUBLE"`
	ForeignNotional float64 `parquet:"name=foreign_notional, type=DOUBLE"`
	ReceivedTime    int64   `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// objectPutter is the part of the S3 client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type archivedTrade struct {
	trade    models.Trade
	received time.Time
}

// TradeArchive exports inserted trades to S3 as parquet files. It only
// writes; nothing is ever read back to restore state. Trades are buffered
// until uploaded, so a slow upload delays rows but never loses them.
type TradeArchive struct {
	cfg    appconfig.TradeArchiveConfig
	bucket string
	client objectPutter
	now    func() time.Time
	log    *logger.Log

	mu       sync.Mutex
	buffer   []archivedTrade
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	full     chan struct{}
	archived atomic.Int64
}

// NewTradeArchive builds the S3 client from the storage settings.
func NewTradeArchive(ctx context.Context, cfg *appconfig.Config) (*TradeArchive, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})
	return newTradeArchive(cfg.Writer.Trades, s3cfg.Bucket, client), nil
}

func newTradeArchive(cfg appconfig.TradeArchiveConfig, bucket string, client objectPutter) *TradeArchive {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &TradeArchive{
		cfg:    cfg,
		bucket: bucket,
		client: client,
		now:    time.Now,
		log:    logger.GetLogger(),
		full:   make(chan struct{}, 1),
	}
}

func (a *TradeArchive) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("trade archive already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.flushLoop(ctx)

	a.log.WithComponent("trade_archive").WithFields(logger.Fields{
		"bucket":         a.bucket,
		"batch_size":     a.cfg.BatchSize,
		"flush_interval": a.cfg.FlushInterval.String(),
	}).Info("trade archive started")
	return nil
}

// Stop flushes what is buffered and waits for pending uploads.
func (a *TradeArchive) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()
	a.wg.Wait()
	a.log.WithComponent("trade_archive").Info("trade archive stopped")
}

// Add buffers trades and wakes the flush loop once a full batch is
// buffered. It never blocks on an upload.
func (a *TradeArchive) Add(trades []models.Trade) {
	if len(trades) == 0 {
		return
	}
	received := a.now()
	a.mu.Lock()
	for _, t := range trades {
		a.buffer = append(a.buffer, archivedTrade{trade: t, received: received})
	}
	full := len(a.buffer) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
}

// Archived returns how many trades were uploaded.
func (a *TradeArchive) Archived() int64 {
	return a.archived.Load()
}

func (a *TradeArchive) take() []archivedTrade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.buffer
	a.buffer = nil
	return out
}

// Flush uploads whatever is buffered in files of at most BatchSize rows.
// Rows of a failed upload go back to the buffer.
func (a *TradeArchive) Flush(ctx context.Context) {
	batch := a.take()
	for len(batch) > 0 {
		n := min(len(batch), a.cfg.BatchSize)
		if err := a.writeBatch(ctx, batch[:n]); err != nil {
			a.requeue(batch)
			return
		}
		batch = batch[n:]
	}
}

func (a *TradeArchive) requeue(rows []archivedTrade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(rows, a.buffer...)
}

func (a *TradeArchive) flushLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			a.Flush(ctx)
		case <-a.full:
			a.Flush(ctx)
		}
	}
}

func (a *TradeArchive) writeBatch(ctx context.Context, batch []archivedTrade) error {
	start := time.Now()
	log := a.log.WithComponent("trade_archive")

	data, err := a.createParquet(batch)
	if err != nil {
		log.WithError(err).Error("create parquet failed")
		return err
	}
	symbol := batch[0].trade.Symbol
	key := a.s3Key(symbol, uuid.NewString(), a.now())
	if err := a.upload(ctx, key, data); err != nil {
		log.WithError(err).WithField("s3_key", key).Error("upload to s3 failed")
		return err
	}
	a.archived.Add(int64(len(batch)))

	size := int64(len(data))
	duration := time.Since(start)
	logger.IncrementArchiveWrite(size)
	logger.LogDataFlowEntry(log, "trade_tape", "s3", len(batch), "trades")
	logger.LogPerformanceEntry(log, "trade_archive", "upload_batch", duration, logger.Fields{
		"s3_key":  key,
		"records": len(batch),
		"bytes":   size,
	})
	return nil
}

func (a *TradeArchive) createParquet(batch []archivedTrade) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(tradeRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = compressionCodec(a.cfg.Compression)
	for _, row := range batch {
		if err := pw.Write(toRecord(row)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func toRecord(row archivedTrade) tradeRecord {
	t := row.trade
	rec := tradeRecord{
		Symbol:          t.Symbol,
		TrdMatchID:      t.TrdMatchID,
		Timestamp:       t.Timestamp,
		Side:            t.Side,
		Price:           t.Price,
		Size:            t.Size,
		GrossValue:      deref(t.GrossValue),
		HomeNotional:    deref(t.HomeNotional),
		ForeignNotional: deref(t.ForeignNotional),
		ReceivedTime:    row.received.UnixMilli(),
	}
	if ts, ok := processor.ParseTimestamp(t.Timestamp); ok {
		rec.EventTime = ts.UnixMilli()
	}
	return rec
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

func (a *TradeArchive) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// s3Key lays files out as prefix/symbol=X/yyyy/mm/dd/hh/trades_X_batch.parquet.
func (a *TradeArchive) s3Key(symbol, batchID string, at time.Time) string {
	at = at.UTC()
	timePath := fmt.Sprintf("%04d/%02d/%02d/%02d", at.Year(), int(at.Month()), at.Day(), at.Hour())
	filename := fmt.Sprintf("trades_%s_%s.parquet", symbol, batchID)
	parts := []string{}
	if a.cfg.Prefix != "" {
		parts = append(parts, strings.Trim(a.cfg.Prefix, "/"))
	}
	parts = append(parts, "symbol="+symbol, timePath, filename)
	return path.Join(parts...)
}
