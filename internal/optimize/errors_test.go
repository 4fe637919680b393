package optimize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"./strategy.go:12:3: undefined: atrMult", KindCompileError},
		{"build failed with 2 errors", KindCompileError},
		{"context deadline exceeded", KindTimeout},
		{"signal: killed", KindTimeout},
		{"dial tcp 127.0.0.1:8080: connection refused", KindNetwork},
		{"lookup api.example.com: no such host", KindNetwork},
		{"429 Too Many Requests", KindTransient},
		{"database is locked", KindTransient},
		{"something entirely novel went wrong", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.msg)))
		})
	}
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(KindCompileError))
	assert.True(t, Recoverable(KindTimeout))
	assert.True(t, Recoverable(KindNetwork))
	assert.True(t, Recoverable(KindTransient))
	assert.False(t, Recoverable(KindUnknown))
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Second, RetryBackoff(KindNetwork, 0))
	assert.Equal(t, 2*time.Second, RetryBackoff(KindTransient, 1))
	assert.Equal(t, 4*time.Second, RetryBackoff(KindNetwork, 2))
	assert.Equal(t, 60*time.Second, RetryBackoff(KindNetwork, 10), "capped")
	assert.Equal(t, time.Duration(0), RetryBackoff(KindCompileError, 3), "compile fixes retry immediately")
}
