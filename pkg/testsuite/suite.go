// Package testsuite carries the shared scaffolding of the dataflow test
// suites: a context with cancellation and a structured logger that writes
// into the Ginkgo output stream.
package testsuite

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/onsi/ginkgo/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Suite struct {
	Timeout, Interval time.Duration
	LogLevel          int
	Ctx               context.Context
	Cancel            context.CancelFunc
	Log               logr.Logger
}

// New builds the suite scaffolding. Negative log levels increase verbosity,
// mirroring logr V-levels.
func New(loglevel int) *Suite {
	s := &Suite{
		Timeout:  time.Second * 5,
		Interval: time.Millisecond * 250,
		LogLevel: loglevel,
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = TimestampEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(ginkgo.GinkgoWriter),
		zapcore.Level(loglevel), //nolint:gosec
	)
	s.Log = zapr.NewLogger(zap.New(core))

	s.Ctx, s.Cancel = context.WithCancel(context.Background())
	return s
}

func (s *Suite) Close() {
	s.Cancel()
}

func TimestampEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339Nano))
}
