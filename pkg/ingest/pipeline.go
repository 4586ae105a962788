// Package ingest turns raw bill items into persisted daily costs: validate,
// normalize, calculate, check and upsert.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quantumlayerhq/ql-billing/pkg/billing"
	"github.com/quantumlayerhq/ql-billing/pkg/kafka"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
	"github.com/quantumlayerhq/ql-billing/pkg/telemetry"
	"github.com/quantumlayerhq/ql-billing/pkg/validation"
)

// Sink persists calculated daily costs.
type Sink interface {
	UpsertDailyCosts(ctx context.Context, costs []billing.DailyCost) (int, error)
}

// Subscriber delivers messages from topics to handler until ctx ends.
// *kafka.Consumer implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, handler kafka.MessageHandler) error
}

// Report summarizes one Process call.
type Report struct {
	Validation *validation.Result `json:"validation"`
	Received   int                `json:"received"`
	Persisted  int                `json:"persisted"`
	Skipped    int                `json:"skipped"`
}

// Pipeline processes raw bill batches.
type Pipeline struct {
	validator *validation.Validator
	calc      *billing.Calculator
	sink      Sink
	log       *logger.Logger
	metrics   *metrics.Collector
}

// NewPipeline creates a pipeline. metrics may be nil.
func NewPipeline(v *validation.Validator, calc *billing.Calculator, sink Sink, log *logger.Logger, m *metrics.Collector) *Pipeline {
	return &Pipeline{
		validator: v,
		calc:      calc,
		sink:      sink,
		log:       log.WithComponent("ingest"),
		metrics:   m,
	}
}

// Process validates raw, calculates daily costs for every error-free item
// and persists them. Items with error-level issues or failed calculations are
// skipped and counted; validation outcomes are returned in the report, not
// as an error. Only a persistence failure is an error.
func (p *Pipeline) Process(ctx context.Context, raw []billing.RawItem) (*Report, error) {
	ctx, span := telemetry.BillingSpan(ctx, "ingest.process", "")
	span.SetAttribute("ingest.received", len(raw))

	report, err := p.process(ctx, raw)
	span.Finish(err)
	return report, err
}

func (p *Pipeline) process(ctx context.Context, raw []billing.RawItem) (*Report, error) {
	items, result := p.validator.Normalize(raw)
	result.Merge(p.validator.ValidateCalculationResults(items, nil))

	costs, calcErr := p.calc.CalculateBatch(items)
	if calcErr != nil {
		p.log.Warn("some items could not be calculated", "error", calcErr)
	}

	report := &Report{Validation: result, Received: len(raw)}
	for _, issue := range result.Issues {
		p.metrics.ValidationIssue(string(issue.Level), string(issue.Code))
	}
	for _, issue := range result.Filter(validation.LevelError) {
		p.log.Warn("bill item rejected", "index", issue.Index, "code", issue.Code, "reason", issue.Message)
	}

	if len(costs) > 0 {
		n, err := p.sink.UpsertDailyCosts(ctx, costs)
		if err != nil {
			report.Skipped = len(raw)
			p.metrics.ItemsIngested("failed", len(raw))
			return report, fmt.Errorf("persist daily costs: %w", err)
		}
		report.Persisted = n
	}
	report.Skipped = len(raw) - report.Persisted

	p.metrics.ItemsIngested("persisted", report.Persisted)
	p.metrics.ItemsIngested("skipped", report.Skipped)

	p.log.Info("bill batch processed",
		"received", report.Received,
		"persisted", report.Persisted,
		"skipped", report.Skipped,
		"errors", result.ErrorCount,
		"warnings", result.WarningCount,
	)
	return report, nil
}

// Consume processes raw bill batches from topic until ctx is cancelled.
// Undecodable messages are logged and acknowledged so they do not block the
// partition.
func (p *Pipeline) Consume(ctx context.Context, sub Subscriber, topic string) error {
	p.log.Info("consuming raw bills", "topic", topic)

	err := sub.Subscribe(ctx, []string{topic}, p.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleMessage processes one raw bill message.
func (p *Pipeline) HandleMessage(ctx context.Context, msg kafka.Message) error {
	items, err := DecodeItems(bytes.NewReader(msg.Value))
	if err != nil {
		p.log.Error("dropping undecodable bill message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	started := time.Now()
	_, err = p.Process(ctx, items)
	p.metrics.ObserveJob("ingest", started, err)
	return err
}

// DecodeItems reads a JSON array of raw items, or an object holding the
// array under "items". Numbers are kept as json.Number so amounts keep
// their exact decimal text.
func DecodeItems(r io.Reader) ([]billing.RawItem, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if data[0] == '{' {
		var envelope struct {
			Items []billing.RawItem `json:"items"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		if envelope.Items == nil {
			return nil, errors.New(`object payload has no "items" array`)
		}
		return envelope.Items, nil
	}

	var items []billing.RawItem
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}
