package negotiator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIConfig shapes the shared pion API used to construct PeerConnections.
type APIConfig struct {
	// ICE timeouts. Zero values keep pion defaults. The engine passes generous
	// timeouts so brief relay/NAT hiccups do not terminate an active call.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// Net overrides the network stack, used by tests to run ICE over an
	// in-memory vnet.
	Net transport.Net
}

// NewAPI builds a webrtc.API with default codecs and interceptors and a
// SettingEngine that routes pion's internal logging through logger.
func NewAPI(cfg APIConfig, logger *slog.Logger) (*webrtc.API, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{logger: logger},
	}
	if cfg.ICEDisconnectedTimeout > 0 || cfg.ICEFailedTimeout > 0 || cfg.ICEKeepaliveInterval > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepaliveInterval)
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// slogLoggerFactory bridges pion/logging onto the process slog logger so the
// whole binary logs through one stack.
type slogLoggerFactory struct {
	logger *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string)                  { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debug(msg string)                  { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Info(msg string)                   { l.logger.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any)  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warn(msg string)                   { l.logger.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any)  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Error(msg string)                  { l.logger.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) { l.logger.Error(fmt.Sprintf(format, args...)) }
