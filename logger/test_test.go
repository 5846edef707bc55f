package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTestLogger(t *testing.T) {
	log := NewTestLogger()

	assert.NotNil(t, log)
	assert.Empty(t, log.Entries())
	assert.Nil(t, log.metadata)
	assert.Nil(t, log.child)
}

func TestTestLoggerMethods(t *testing.T) {
	log := NewTestLogger()

	log.Trace("Trace message", 1)
	log.Debug("Debug message", 2)
	log.Info("Info message", 3)
	log.Warn("Warn message", 4)
	log.Error("Error message", 5)
	log.Fatal("Fatal message", 6)

	entries := log.Entries()
	assert.Len(t, entries, 6)
	severities := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}
	for i, severity := range severities {
		assert.Equal(t, severity, entries[i].Severity)
		assert.Equal(t, []interface{}{i + 1}, entries[i].Arguments)
	}
}

func TestTestLoggerWith(t *testing.T) {
	log := NewTestLogger()

	child := log.With(map[string]interface{}{"key1": "value1", "key2": 42})
	grandchild := child.With(map[string]interface{}{"key3": true}).(*TestLogger)

	assert.Equal(t, "value1", grandchild.metadata["key1"])
	assert.Equal(t, 42, grandchild.metadata["key2"])
	assert.Equal(t, true, grandchild.metadata["key3"])

	grandchild.Info("shared")
	assert.Len(t, log.Entries(), 1, "derived loggers share the parent's record")
}

func TestTestLoggerWithContextAndPrefix(t *testing.T) {
	log := NewTestLogger()
	assert.Equal(t, log, log.WithContext(context.Background()))
	assert.Equal(t, log, log.WithPrefix("TestPrefix"))
}

func TestTestLoggerStack(t *testing.T) {
	first := NewTestLogger()
	second := NewTestLogger()

	first.Stack(second).Warn("to both")

	assert.Len(t, first.Find("WARNING", "to both"), 1)
	assert.Len(t, second.Find("WARNING", "to both"), 1)
}

func TestTestLoggerConcurrent(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.With(map[string]interface{}{"worker": i}).Debug("worker %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, log.Entries(), 16)
}
