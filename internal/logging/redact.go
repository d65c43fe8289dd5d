package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/crmstore/internal/config"
)

const (
	redacted        = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs val as its length only.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder masks fields whose key is sensitive and string values
// matching a sensitive pattern. It covers both fields bound with With and
// fields passed per entry.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base. A disabled cfg returns a pass-through.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	e := &RedactingEncoder{Encoder: base, keys: map[string]bool{}}
	if !cfg.Enabled {
		return e, nil
	}
	for _, f := range cfg.Fields {
		e.keys[strings.ToLower(f)] = true
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *RedactingEncoder) sensitiveKey(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *RedactingEncoder) sensitiveValue(val string) bool {
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

// redactField returns the masked form of f, or f unchanged.
func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	if e.sensitiveKey(f.Key) {
		return zap.String(f.Key, redacted)
	}
	if f.Type == zapcore.StringType && e.sensitiveValue(f.String) {
		return zap.String(f.Key, redactedPattern)
	}
	if f.Type == zapcore.ErrorType {
		if err, ok := f.Interface.(error); ok && err != nil && e.sensitiveValue(err.Error()) {
			return zap.String(f.Key, redactedPattern)
		}
	}
	return f
}

// EncodeEntry redacts per-entry fields and the message before encoding.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.sensitiveValue(ent.Message) {
		ent.Message = redactedPattern
	}
	if len(e.keys) > 0 || len(e.patterns) > 0 {
		out := make([]zapcore.Field, len(fields))
		for i, f := range fields {
			out[i] = e.redactField(f)
		}
		fields = out
	}
	return e.Encoder.EncodeEntry(ent, fields)
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.sensitiveKey(key):
		e.Encoder.AddString(key, redacted)
	case e.sensitiveValue(val):
		e.Encoder.AddString(key, redactedPattern)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
