package logging

import "go.uber.org/zap/zapcore"

const redactedValue = "[redacted]"

// redactCore replaces the values of configured field keys, so secrets such
// as passwords or session tokens never reach a sink by accident.
type redactCore struct {
	zapcore.Core
	keys map[string]struct{}
}

func newRedactCore(core zapcore.Core, keys []string) zapcore.Core {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &redactCore{Core: core, keys: set}
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(c.redact(fields)), keys: c.keys}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, c.redact(fields))
}

func (c *redactCore) redact(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if _, ok := c.keys[f.Key]; !ok {
			continue
		}
		if out == nil {
			out = append([]zapcore.Field(nil), fields...)
		}
		out[i] = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: redactedValue}
	}
	if out == nil {
		return fields
	}
	return out
}
