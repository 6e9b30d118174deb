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

package proto

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/encoding/protowire"
)

type testHeader struct {
	pdata   []byte
	src     uint64
	encType uint64
	cmdFunc uint64
	cmdID   uint64
	seq     uint64
}

func encodeHeader(h testHeader) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, h.pdata)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, h.src)
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, h.encType)
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	b = protowire.AppendVarint(b, h.cmdFunc)
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, h.cmdID)
	b = protowire.AppendTag(b, 14, protowire.VarintType)
	b = protowire.AppendVarint(b, h.seq)
	return b
}

func encodeFrame(headers ...testHeader) []byte {
	var b []byte
	for _, h := range headers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeHeader(h))
	}
	return b
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func samplePayload() []byte {
	var p []byte
	p = appendVarint(p, 3, 1)      // dev_online_flag
	p = appendFloat(p, 20, 87.5)   // bms_batt_soc
	p = appendFloat(p, 10, 123.25) // pow_in_sum_w
	p = appendVarint(p, 23, 360)   // bms_dsg_rem_time
	p = protowire.AppendTag(p, 60, protowire.BytesType)
	p = protowire.AppendBytes(p, []byte("Europe/Berlin"))
	return p
}

func Test_Decode_PlainDisplayProperty(t *testing.T) {
	frame := encodeFrame(testHeader{
		pdata:   samplePayload(),
		src:     2,
		encType: 0,
		cmdFunc: 254,
		cmdID:   21,
		seq:     7,
	})

	params := NewDecoder().Decode(frame)

	assert.Equal(t, int64(1), params["dev_online_flag"])
	assert.InDelta(t, 87.5, params["bms_batt_soc"], 0.001)
	assert.InDelta(t, 123.25, params["pow_in_sum_w"], 0.001)
	assert.Equal(t, int64(360), params["bms_dsg_rem_time"])
	assert.Equal(t, "Europe/Berlin", params["utc_timezone_id"])
}

func Test_Decode_XORObfuscated(t *testing.T) {
	seq := uint64(0x1234)
	obfuscated := xorBytes(samplePayload(), byte(seq&0xFF))

	frame := encodeFrame(testHeader{
		pdata:   obfuscated,
		src:     2,
		encType: 1,
		cmdFunc: 254,
		cmdID:   21,
		seq:     seq,
	})

	params := NewDecoder().Decode(frame)

	assert.Equal(t, int64(1), params["dev_online_flag"])
	assert.InDelta(t, 87.5, params["bms_batt_soc"], 0.001)
}

func Test_Decode_Src32NeverObfuscated(t *testing.T) {
	// enc_type=1 but src=32 means the payload is plain
	frame := encodeFrame(testHeader{
		pdata:   samplePayload(),
		src:     32,
		encType: 1,
		cmdFunc: 254,
		cmdID:   21,
		seq:     99,
	})

	params := NewDecoder().Decode(frame)

	assert.Equal(t, int64(1), params["dev_online_flag"])
}

func Test_Decode_IgnoresOtherPayloadTypes(t *testing.T) {
	frame := encodeFrame(testHeader{
		pdata:   samplePayload(),
		src:     2,
		encType: 0,
		cmdFunc: 32,
		cmdID:   2,
		seq:     1,
	})

	params := NewDecoder().Decode(frame)

	assert.Empty(t, params)
}

func Test_Decode_Base64Wrapped(t *testing.T) {
	frame := encodeFrame(testHeader{
		pdata:   samplePayload(),
		src:     2,
		encType: 0,
		cmdFunc: 254,
		cmdID:   21,
		seq:     1,
	})
	wrapped := []byte(base64.StdEncoding.EncodeToString(frame))

	params := NewDecoder().Decode(wrapped)

	assert.Equal(t, int64(1), params["dev_online_flag"])
}

func Test_Decode_MultiHeaderLaterWins(t *testing.T) {
	var first, second []byte
	first = appendFloat(first, 20, 50.0)
	second = appendFloat(second, 20, 75.0)

	frame := encodeFrame(
		testHeader{pdata: first, src: 2, cmdFunc: 254, cmdID: 21, seq: 1},
		testHeader{pdata: second, src: 2, cmdFunc: 254, cmdID: 21, seq: 2},
	)

	params := NewDecoder().Decode(frame)

	assert.InDelta(t, 75.0, params["bms_batt_soc"], 0.001)
}

func Test_Decode_Garbage(t *testing.T) {
	params := NewDecoder().Decode([]byte{0xff, 0xff, 0xff, 0x01, 0x02})

	assert.Empty(t, params)
}

func Test_Decode_EmptyFrame(t *testing.T) {
	params := NewDecoder().Decode(nil)

	assert.Empty(t, params)
}

func Test_Decode_NestedMessageFlattens(t *testing.T) {
	var task []byte
	task = appendVarint(task, 1, 3) // task_index
	task = appendVarint(task, 5, 1) // is_enable

	var p []byte
	p = protowire.AppendTag(p, 50, protowire.BytesType)
	p = protowire.AppendBytes(p, task)

	frame := encodeFrame(testHeader{pdata: p, src: 2, cmdFunc: 254, cmdID: 21, seq: 1})

	params := NewDecoder().Decode(frame)

	assert.Equal(t, int64(3), params["time_task_conf.task_index"])
	assert.Equal(t, int64(1), params["time_task_conf.is_enable"])
}

func Test_Decode_RepeatedFieldBecomesSequence(t *testing.T) {
	var p []byte
	p = appendFloat(p, 29, 3.312) // bms_cell_vol
	p = appendFloat(p, 29, 3.308)
	p = appendFloat(p, 29, 3.301)

	frame := encodeFrame(testHeader{pdata: p, src: 2, cmdFunc: 254, cmdID: 21, seq: 1})

	params := NewDecoder().Decode(frame)

	seq, ok := params["bms_cell_vol"].([]any)
	assert.True(t, ok)
	assert.Len(t, seq, 3)
	assert.InDelta(t, 3.312, seq[0].(float64), 0.001)
}

func Test_Decode_PackedFloats(t *testing.T) {
	var packed []byte
	for _, v := range []float32{3.1, 3.2, 3.3} {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	var p []byte
	p = protowire.AppendTag(p, 29, protowire.BytesType)
	p = protowire.AppendBytes(p, packed)

	frame := encodeFrame(testHeader{pdata: p, src: 2, cmdFunc: 254, cmdID: 21, seq: 1})

	params := NewDecoder().Decode(frame)

	seq, ok := params["bms_cell_vol"].([]any)
	assert.True(t, ok)
	assert.Len(t, seq, 3)
}

func Test_XORRoundTrip(t *testing.T) {
	payload := samplePayload()
	key := byte(0x5a)

	assert.Equal(t, payload, xorBytes(xorBytes(payload, key), key))
}
