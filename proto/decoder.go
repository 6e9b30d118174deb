/*
 * Copyright 2025 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package proto decodes the binary frames EcoFlow devices publish over MQTT.
//
// A frame is a protobuf container holding an ordered sequence of headers,
// each carrying an inner payload that may be XOR-obfuscated with the header
// sequence number. Only the display property upload payload
// (cmd_func=254, cmd_id=21) is decoded; every other payload type is ignored.
package proto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	cmdFuncDisplayProperty = 254
	cmdIDDisplayProperty   = 21

	// src value 32 marks payloads that are never obfuscated.
	srcNoObfuscation = 32

	// Flattening guard; device payloads are bounded and non-cyclic.
	maxDepth = 32
)

// header is the per-message envelope inside a frame container.
type header struct {
	pdata   []byte
	src     int64
	encType int64
	cmdFunc int64
	cmdID   int64
	seq     int64
}

// Decoder turns raw MQTT frame bytes into a flat map of device parameters.
// It is stateless and safe for concurrent use.
type Decoder struct{}

// NewDecoder returns a frame decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses raw frame bytes and returns the flattened parameters of
// every display property upload payload found in the container. Later
// headers overwrite earlier ones on key collision. Any parse failure yields
// an empty map; the caller continues.
func (d *Decoder) Decode(raw []byte) map[string]any {
	log := zap.L()
	result := map[string]any{}

	// Some devices wrap the frame in base64; unwrap when it decodes
	// strictly, otherwise keep the original bytes.
	if decoded, err := base64.StdEncoding.Strict().DecodeString(string(raw)); err == nil {
		raw = decoded
	}

	headers, err := parseContainer(raw)
	if err != nil {
		log.Error("frame container parse failed",
			zap.Error(err),
			zap.String("raw_hex", hex.EncodeToString(raw)))
		return result
	}

	if len(headers) == 0 {
		log.Debug("no messages in frame container")
		return result
	}

	for _, h := range headers {
		pdata := h.pdata
		if h.encType == 1 && h.src != srcNoObfuscation {
			pdata = xorBytes(pdata, byte(h.seq))
		}

		if h.cmdFunc != cmdFuncDisplayProperty || h.cmdID != cmdIDDisplayProperty {
			log.Debug("ignoring frame payload",
				zap.Int64("cmd_func", h.cmdFunc),
				zap.Int64("cmd_id", h.cmdID),
				zap.String("pdata_hex", hex.EncodeToString(pdata)))
			continue
		}

		fields, err := parseMessage(pdata, displayPropertyFields)
		if err != nil {
			log.Warn("display property payload parse failed",
				zap.Error(err),
				zap.String("pdata_hex", hex.EncodeToString(pdata)))
			continue
		}
		flatten(fields, "", result, 0)
	}

	return result
}

func xorBytes(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = v ^ key
	}
	return out
}

// parseContainer reads the outer frame message: a repeated header on field 1.
func parseContainer(b []byte) ([]header, error) {
	var headers []header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			h, err := parseHeader(v)
			if err != nil {
				return nil, err
			}
			headers = append(headers, h)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return headers, nil
}

func parseHeader(b []byte) (header, error) {
	var h header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.pdata = v
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case 2:
				h.src = int64(v)
			case 6:
				h.encType = int64(v)
			case 8:
				h.cmdFunc = int64(v)
			case 9:
				h.cmdID = int64(v)
			case 14:
				h.seq = int64(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return h, nil
}

// parseMessage decodes a payload against a field table, producing a nested
// map. Unknown fields are skipped. A field number seen more than once
// collects its values into a sequence.
func parseMessage(b []byte, table map[protowire.Number]fieldSpec) (map[string]any, error) {
	out := map[string]any{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		spec, known := table[num]
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		var value any
		switch spec.kind {
		case kindVarint:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("field %s: wire type %d, want varint", spec.name, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			value = int64(v)
		case kindFloat:
			switch typ {
			case protowire.Fixed32Type:
				v, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				b = b[n:]
				value = float64(math.Float32frombits(v))
			case protowire.BytesType:
				// packed repeated float
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				b = b[n:]
				var packed []any
				for len(v) > 0 {
					f, n := protowire.ConsumeFixed32(v)
					if n < 0 {
						return nil, protowire.ParseError(n)
					}
					v = v[n:]
					packed = append(packed, float64(math.Float32frombits(f)))
				}
				appendField(out, spec.name, packed...)
				continue
			default:
				return nil, fmt.Errorf("field %s: wire type %d, want fixed32", spec.name, typ)
			}
		case kindString:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %s: wire type %d, want bytes", spec.name, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			value = string(v)
		case kindMessage:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %s: wire type %d, want bytes", spec.name, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			nested, err := parseMessage(v, spec.sub)
			if err != nil {
				return nil, err
			}
			value = nested
		}
		appendField(out, spec.name, value)
	}
	return out, nil
}

// appendField stores a value, promoting repeated occurrences to a sequence.
func appendField(out map[string]any, name string, values ...any) {
	existing, ok := out[name]
	if !ok {
		if len(values) == 1 {
			out[name] = values[0]
		} else {
			out[name] = values
		}
		return
	}
	seq, isSeq := existing.([]any)
	if !isSeq {
		seq = []any{existing}
	}
	out[name] = append(seq, values...)
}

// flatten folds nested maps into dotted keys. Sequences pass through
// unchanged; the metric shaper explodes them at projection time.
func flatten(in map[string]any, prefix string, out map[string]any, depth int) {
	if depth > maxDepth {
		return
	}
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(nested, key, out, depth+1)
			continue
		}
		out[key] = v
	}
}
