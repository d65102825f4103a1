package transport

import (
	"encoding/binary"
	"errors"
)

// frameKind identifies which wire framing the leading bytes of a buffer
// belong to.
type frameKind int

const (
	frameTPKT frameKind = iota
	frameTSRequest
	frameFastPath
)

// frameHeader describes a classified PDU header. totalLen always includes
// the header bytes themselves.
type frameHeader struct {
	kind      frameKind
	headerLen int
	totalLen  int
}

// errNeedMoreData means classification cannot be attempted yet; it is a
// normal accumulation condition, never surfaced to callers.
var errNeedMoreData = errors.New("need more data")

const (
	// frameMinBytes is the minimum buffered before classification is
	// trusted: the largest header length field position across the three
	// framings.
	frameMinBytes = 4

	tpktVersion    = 0x03
	tsRequestTag   = 0x30
	longFormFlag   = 0x80
	fastPathExtBit = 0x80
)

// detectFrame classifies the framing of the PDU starting at data[0] and
// computes its total length.
//
// The Fast-Path case must resolve its own header length (2 or 3 bytes)
// before the 4-byte minimum is meaningful, since the 3-byte form needs
// data[2] to read the length at all; with fewer than 4 bytes buffered the
// caller gets errNeedMoreData either way.
func detectFrame(data []byte) (frameHeader, error) {
	if len(data) < frameMinBytes {
		return frameHeader{}, errNeedMoreData
	}

	switch data[0] {
	case tpktVersion:
		total := int(binary.BigEndian.Uint16(data[2:4]))
		if total < 4 {
			return frameHeader{}, ErrDesynchronizedStream
		}

		return frameHeader{kind: frameTPKT, headerLen: 4, totalLen: total}, nil

	case tsRequestTag:
		return detectTSRequest(data)

	default:
		return detectFastPath(data)
	}
}

// detectTSRequest handles the DER-encoded CredSSP negotiation blob. The BER
// length octet selects the short form or a one- or two-byte long form; any
// other length-of-length is a protocol error.
func detectTSRequest(data []byte) (frameHeader, error) {
	if data[1]&longFormFlag == 0 {
		// Short form: any content length is valid, including zero.
		return frameHeader{kind: frameTSRequest, headerLen: 2, totalLen: int(data[1]) + 2}, nil
	}

	switch data[1] &^ longFormFlag {
	case 1:
		return frameHeader{kind: frameTSRequest, headerLen: 3, totalLen: int(data[2]) + 3}, nil
	case 2:
		total := int(binary.BigEndian.Uint16(data[2:4])) + 4
		return frameHeader{kind: frameTSRequest, headerLen: 4, totalLen: total}, nil
	default:
		return frameHeader{}, ErrDesynchronizedStream
	}
}

func detectFastPath(data []byte) (frameHeader, error) {
	if data[1]&fastPathExtBit != 0 {
		total := int(data[1]&0x7f)<<8 | int(data[2])
		if total < 3 {
			return frameHeader{}, ErrDesynchronizedStream
		}

		return frameHeader{kind: frameFastPath, headerLen: 3, totalLen: total}, nil
	}

	total := int(data[1])
	if total < 2 {
		return frameHeader{}, ErrDesynchronizedStream
	}

	return frameHeader{kind: frameFastPath, headerLen: 2, totalLen: total}, nil
}
