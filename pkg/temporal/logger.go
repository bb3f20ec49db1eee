package temporal

import "go.uber.org/zap"

// ZapAdapter satisfies the Temporal SDK logger on top of zap.
type ZapAdapter struct{ *zap.SugaredLogger }

func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	// keyvals arrive as alternating pairs, which is what the sugared *w methods take
	return &ZapAdapter{logger.Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.Errorw(msg, keyvals...) }
