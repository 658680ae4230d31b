package logging

import (
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// ScalyrEncoder is a zap encoder that writes one flat Scalyr-compatible JSON object per entry
type ScalyrEncoder struct {
	zapcore.Encoder
	config     zapcore.EncoderConfig
	serverHost string
	context    map[string]interface{}
}

// NewScalyrEncoder creates a new Scalyr-compatible encoder
func NewScalyrEncoder(config zapcore.EncoderConfig, serverHost string) zapcore.Encoder {
	return &ScalyrEncoder{
		Encoder:    zapcore.NewJSONEncoder(config),
		config:     config,
		serverHost: serverHost,
		context:    make(map[string]interface{}),
	}
}

// AddString keeps fields added through logger.With
func (e *ScalyrEncoder) AddString(key, value string) {
	e.context[key] = value
}

// AddInt64 keeps fields added through logger.With
func (e *ScalyrEncoder) AddInt64(key string, value int64) {
	e.context[key] = value
}

// EncodeEntry encodes a log entry in Scalyr-compatible format
func (e *ScalyrEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	attrs := make(map[string]interface{}, len(e.context)+len(fields)+8)
	for k, v := range e.context {
		attrs[k] = v
	}
	for _, field := range fields {
		attrs[field.Key] = fieldValue(field)
	}

	attrs["timestamp"] = entry.Time.UTC().Format(time.RFC3339Nano)
	attrs["level"] = entry.Level.String()
	attrs["message"] = entry.Message
	if entry.LoggerName != "" {
		attrs["logger"] = entry.LoggerName
	}
	if e.serverHost != "" {
		attrs["serverHost"] = e.serverHost
	}
	if entry.Caller.Defined {
		attrs["file"] = entry.Caller.TrimmedPath()
		attrs["line"] = entry.Caller.Line
	}
	if entry.Stack != "" {
		attrs["stack"] = entry.Stack
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}

	buf := bufferPool.Get()
	buf.AppendBytes(data)
	buf.AppendByte('\n')
	return buf, nil
}

func fieldValue(field zapcore.Field) interface{} {
	switch field.Type {
	case zapcore.StringType:
		return field.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return field.Integer
	case zapcore.Float64Type:
		return math.Float64frombits(uint64(field.Integer))
	case zapcore.Float32Type:
		return math.Float32frombits(uint32(field.Integer))
	case zapcore.BoolType:
		return field.Integer == 1
	case zapcore.DurationType:
		return time.Duration(field.Integer).String()
	case zapcore.TimeType:
		t := time.Unix(0, field.Integer)
		if loc, ok := field.Interface.(*time.Location); ok {
			t = t.In(loc)
		}
		return t.Format(time.RFC3339Nano)
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			return err.Error()
		}
		return nil
	case zapcore.StringerType:
		if s, ok := field.Interface.(interface{ String() string }); ok {
			return s.String()
		}
		return field.Interface
	default:
		return field.Interface
	}
}

// Clone creates a copy of the encoder
func (e *ScalyrEncoder) Clone() zapcore.Encoder {
	ctx := make(map[string]interface{}, len(e.context))
	for k, v := range e.context {
		ctx[k] = v
	}
	return &ScalyrEncoder{
		Encoder:    e.Encoder.Clone(),
		config:     e.config,
		serverHost: e.serverHost,
		context:    ctx,
	}
}
