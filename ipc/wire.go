package ipc

import (
	"encoding/binary"
	"io"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// On-the-wire layout for a channel_message, for callers that need to
// serialize a ReceiveResult/SendRequest across a real transport (e.g. a test
// harness replaying captured traffic) rather than pass Go values directly
// in-process. Most callers never touch this file; direct Channel.Send/
// Receive never serializes.
//
//	header:
//	  magic        uint32  "ANIC"
//	  convID       uint64
//	  bodyLen      uint32
//	  attachCount  uint32
//	  body         [bodyLen]byte
//	  attachments  [attachCount]attachmentRecord
//
//	attachmentRecord:
//	  kind   uint8
//	  length uint32
//	  data   [length]byte   (empty for AttachmentNull and AttachmentChannel,
//	                         whose payload is purely out-of-band: a
//	                         channel attachment only makes sense alongside
//	                         the real DescriptorTable transfer, not the wire
//	                         bytes)
const wireMagic uint32 = 0x414e4943 // "ANIC"

// EncodeMessage writes msg's wire representation to w. AttachmentChannel
// entries carry no inline bytes (see format note above).
func EncodeMessage(w io.Writer, convID uint64, body []byte, attachments []AttachmentResult) error {
	var hdr [4 + 8 + 4 + 4]byte
	binary.BigEndian.PutUint32(hdr[0:4], wireMagic)
	binary.BigEndian.PutUint64(hdr[4:12], convID)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(attachments)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	for _, a := range attachments {
		payload := a.Mapping
		if a.Kind == AttachmentDataCopied {
			payload = a.Data
		}
		var rec [5]byte
		rec[0] = byte(a.Kind)
		binary.BigEndian.PutUint32(rec[1:5], uint32(len(payload)))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodedMessage is the wire-decoded counterpart of ReceiveResult: its
// attachments carry raw bytes rather than resolved channel handles (see
// EncodeMessage's format note), since the channel-descriptor side of a
// transfer isn't representable on the wire at all.
type DecodedMessage struct {
	ConversationID uint64
	Body           []byte
	Attachments    []WireAttachment
}

// WireAttachment is one decoded on-the-wire attachment record.
type WireAttachment struct {
	Kind    AttachmentKind
	Payload []byte
}

// DecodeMessage reads a message previously written by EncodeMessage.
func DecodeMessage(r io.Reader) (DecodedMessage, error) {
	var hdr [4 + 8 + 4 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return DecodedMessage{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != wireMagic {
		return DecodedMessage{}, errkind.New(errkind.InvalidArgument, "ipc.wire.decode")
	}
	out := DecodedMessage{ConversationID: binary.BigEndian.Uint64(hdr[4:12])}
	bodyLen := binary.BigEndian.Uint32(hdr[12:16])
	attachCount := binary.BigEndian.Uint32(hdr[16:20])

	out.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, out.Body); err != nil {
		return DecodedMessage{}, err
	}

	out.Attachments = make([]WireAttachment, attachCount)
	for i := range out.Attachments {
		var rec [5]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return DecodedMessage{}, err
		}
		length := binary.BigEndian.Uint32(rec[1:5])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return DecodedMessage{}, err
		}
		out.Attachments[i] = WireAttachment{Kind: AttachmentKind(rec[0]), Payload: payload}
	}
	return out, nil
}
