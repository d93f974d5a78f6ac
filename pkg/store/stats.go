package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-tool-router/pkg/models"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// UsageRecorder writes invocation outcomes to the database from a background
// worker. Recording is fire-and-forget: the response path never blocks on a
// write, and a full buffer drops the record with a warning.
type UsageRecorder struct {
	db    *gorm.DB
	queue chan models.ToolUsage

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewUsageRecorder creates and starts a recorder. A nil db degrades to
// logging only.
func NewUsageRecorder(db *gorm.DB) *UsageRecorder {
	r := &UsageRecorder{
		db:      db,
		queue:   make(chan models.ToolUsage, 256),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.worker()
	return r
}

// RecordToolUsage implements the invoker's stats sink contract
func (r *UsageRecorder) RecordToolUsage(toolName, serverName string, success bool, duration time.Duration) {
	r.enqueue(models.ToolUsage{
		ToolName:        toolName,
		ServerName:      serverName,
		Success:         success,
		ExecutionTimeMs: duration.Milliseconds(),
	})
}

// RecordRoutedUsage captures the full routing context of an invocation
func (r *UsageRecorder) RecordRoutedUsage(toolName, serverName, userInput string, parameters map[string]interface{}, success bool, duration time.Duration, callErr error) {
	record := models.ToolUsage{
		ToolName:        toolName,
		ServerName:      serverName,
		UserInput:       userInput,
		Success:         success,
		ExecutionTimeMs: duration.Milliseconds(),
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}
	if len(parameters) > 0 {
		if data, err := json.Marshal(parameters); err == nil {
			record.Parameters = datatypes.JSON(data)
		}
	}
	r.enqueue(record)
}

// Stop flushes queued records and terminates the worker
func (r *UsageRecorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})
	<-r.done
}

func (r *UsageRecorder) enqueue(record models.ToolUsage) {
	select {
	case r.queue <- record:
	default:
		logging.LogWarningf(nil, "Usage record buffer full, dropping record for tool %s", record.ToolName)
	}
}

func (r *UsageRecorder) worker() {
	defer close(r.done)
	for {
		select {
		case record := <-r.queue:
			r.write(record)
		case <-r.stopped:
			// Drain whatever is still buffered before exiting
			for {
				select {
				case record := <-r.queue:
					r.write(record)
				default:
					return
				}
			}
		}
	}
}

func (r *UsageRecorder) write(record models.ToolUsage) {
	if r.db == nil {
		logging.LogDebugf("Tool usage: tool=%s success=%v duration=%dms",
			record.ToolName, record.Success, record.ExecutionTimeMs)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		logging.LogErrorf(err, "Failed to persist tool usage record")
	}
}
