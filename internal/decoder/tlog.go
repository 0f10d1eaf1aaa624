package decoder

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// tlogStampLen is the big-endian microsecond capture timestamp preceding each frame.
const tlogStampLen = 8

type tlogDecoder struct {
	s      *stream
	logger zerolog.Logger
	stats  Stats
}

func newTlogDecoder(s *stream, logger zerolog.Logger) *tlogDecoder {
	return &tlogDecoder{s: s, logger: logger}
}

func (d *tlogDecoder) Format() Format { return FormatTlog }
func (d *tlogDecoder) Stats() Stats   { return d.stats }
func (d *tlogDecoder) Close() error   { return d.s.close() }

func (d *tlogDecoder) Rewind() error {
	if err := d.s.rewind(); err != nil {
		return err
	}
	d.stats = Stats{}
	return nil
}

func (d *tlogDecoder) Next() (*Record, error) {
	for {
		head, err := d.s.peek(tlogStampLen + 2)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(head) < tlogStampLen+2 {
			return nil, io.EOF
		}

		var hdrLen int
		magic := head[tlogStampLen]
		payloadLen := int(head[tlogStampLen+1])
		switch magic {
		case mavMagicV1:
			hdrLen = mavHeaderLenV1
		case mavMagicV2:
			hdrLen = mavHeaderLenV2
		default:
			d.s.discard(1)
			d.stats.Resyncs++
			continue
		}

		frameLen := hdrLen + payloadLen + mavChecksumLen
		buf, err := d.s.peek(tlogStampLen + frameLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(buf) < tlogStampLen+frameLen {
			// Truncated tail or a false magic byte near the end
			d.s.discard(1)
			d.stats.Resyncs++
			continue
		}
		frame := buf[tlogStampLen:]

		var msgID uint32
		var sysID, compID uint8
		if magic == mavMagicV1 {
			sysID, compID = frame[3], frame[4]
			msgID = uint32(frame[5])
		} else {
			incompat := frame[2]
			if incompat&^mavIncompatSigned != 0 {
				d.s.discard(1)
				d.stats.Resyncs++
				continue
			}
			if incompat&mavIncompatSigned != 0 {
				frameLen += mavSignatureLen
				buf, err = d.s.peek(tlogStampLen + frameLen)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
				}
				if len(buf) < tlogStampLen+frameLen {
					d.s.discard(1)
					d.stats.Resyncs++
					continue
				}
				frame = buf[tlogStampLen:]
			}
			sysID, compID = frame[5], frame[6]
			msgID = uint32(frame[7]) | uint32(frame[8])<<8 | uint32(frame[9])<<16
		}

		mp := mavDialect.GetMessage(msgID)
		if mp == nil {
			// Unverifiable without crc_extra, so only step past the magic byte.
			d.s.discard(1)
			d.stats.Unknown++
			continue
		}

		crcEnd := hdrLen + payloadLen
		want := binary.LittleEndian.Uint16(frame[crcEnd:])
		if mavChecksum(frame[1:crcEnd], mp.CRCExtra()) != want {
			d.s.discard(1)
			d.stats.BadCRC++
			d.stats.Resyncs++
			continue
		}

		// v2 trims trailing zero bytes; the codec pads them back and rejects
		// v1 payloads of the wrong length.
		payload := append([]byte(nil), frame[hdrLen:crcEnd]...)
		name, fields, err := decodeMAVPayload(mp, msgID, payload, magic == mavMagicV2)
		if err != nil {
			d.logger.Debug().Err(err).Uint32("msg_id", msgID).Msg("Dropping undecodable MAVLink frame")
			d.s.discard(1)
			d.stats.Resyncs++
			continue
		}

		stamp := binary.BigEndian.Uint64(buf[:tlogStampLen])
		rec := &Record{
			Type:         name,
			Timestamp:    float64(stamp) / 1e6,
			HasTimestamp: true,
			Fields:       fields,
			SrcSystem:    sysID,
			SrcComponent: compID,
		}

		d.s.discard(tlogStampLen + frameLen)
		d.stats.Records++
		return rec, nil
	}
}
