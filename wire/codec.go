// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	errUnknownField = errors.New("unknown field")
	errBadWireType  = errors.New("unexpected wire type")
	errEmptyOneof   = errors.New("empty message envelope")
)

// The envelopes below are encoded in protobuf wire format with
// hand-maintained marshal/parse over protowire. Field numbers are
// fixed; defaults are omitted, so the encoding is canonical: equal
// messages produce equal bytes, which is what quorum digests compare.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendEmbedded writes a length-delimited sub-message, even when the
// sub-message encodes empty. Presence of the field is how the oneof
// discriminator survives the round trip.
func appendEmbedded(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// fieldVisitor receives each (field number, wire type, payload) while
// walking a buffer. Varint fields arrive decoded in v; bytes fields in
// raw.
type fieldVisitor func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error

func walkFields(buf []byte, visit fieldVisitor) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			if err := visit(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			if err := visit(num, typ, 0, raw); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			if err := visit(num, typ, uint64(v), nil); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			if err := visit(num, typ, v, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %d", errBadWireType, typ)
		}
	}
	return nil
}

func fieldErr(msg string, num protowire.Number) error {
	return fmt.Errorf("%w: %s field %d", errUnknownField, msg, num)
}
