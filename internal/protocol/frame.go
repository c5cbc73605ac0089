// Package protocol encodes requests for and decodes responses from the APsystems ECU.
//
// Every frame is ASCII framed: "APS", a 2-digit command group, a 4-digit frame
// length, a 4-digit command number, the payload and the "END" marker followed by
// a line terminator. Request payloads are ASCII, response payloads are binary.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/resident-x/go-apsecu/internal/domain"
)

// Frame layout.
const (
	Signature      = "APS"
	EndMarker      = "END"
	HeaderLength   = 13
	MinFrameLength = HeaderLength + len(EndMarker)
)

// Command groups.
const (
	GroupDefault = "11"
	GroupWide    = "12"
)

// Command numbers.
const (
	CommandSystemInfo          = "0001"
	CommandRealTimeData        = "0002"
	CommandPowerOfDay          = "0003"
	CommandEnergyOfWMY         = "0004"
	CommandInverterSignalLevel = "0030"
)

// Energy periods of the EnergyOfWMY request.
const (
	PeriodWeek  = "00"
	PeriodMonth = "01"
	PeriodYear  = "02"
)

// StatusOK is the only status code treated as success.
const StatusOK = "00"

var (
	// ErrInvalidFrame is returned for frames failing the header/trailer checks.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrTruncated is returned when a payload ends before a field.
	ErrTruncated = errors.New("truncated payload")
	// ErrInvalidField is returned for malformed ASCII or BCD fields.
	ErrInvalidField = errors.New("invalid field")
	// ErrStatus is returned when a response carries a failure status.
	ErrStatus = errors.New("response status not ok")
	// ErrUnknownCommand is returned for command numbers without a decoder.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownVariant is returned for inverter records whose variant cannot be resolved.
	ErrUnknownVariant = errors.New("unknown inverter variant")
	// ErrNoIdentity is returned when a request needs the ECU id before it is known.
	ErrNoIdentity = errors.New("ecu id unknown")
)

var datePattern = regexp.MustCompile(`^\d{8}$`)

// Header is the fixed 13-byte prefix of every frame.
type Header struct {
	Group   string
	Length  int
	Command string
}

// EncodeRequest builds a request frame. deviceID and payload may be empty; a
// non-empty payload is followed by its own end marker. The terminator is not
// part of the declared frame length.
func EncodeRequest(command, group, deviceID, payload, terminator string) []byte {
	length := HeaderLength + len(deviceID) + len(EndMarker)
	if payload != "" {
		length += len(payload) + len(EndMarker)
	}

	var buf bytes.Buffer
	buf.Grow(length + len(terminator))
	fmt.Fprintf(&buf, "%s%s%04d%s", Signature, group, length, command)
	buf.WriteString(deviceID)
	buf.WriteString(EndMarker)
	if payload != "" {
		buf.WriteString(payload)
		buf.WriteString(EndMarker)
	}
	buf.WriteString(terminator)
	return buf.Bytes()
}

// EncodeServiceRequest builds the request for one service. arg is the
// YYYYMMDD date for PowerOfDay and ignored otherwise.
func EncodeServiceRequest(service domain.Service, ecuID, arg, terminator string) ([]byte, error) {
	if service != domain.ServiceSystemInfo && ecuID == "" {
		return nil, fmt.Errorf("%w: cannot request %s", ErrNoIdentity, service)
	}

	switch service {
	case domain.ServiceSystemInfo:
		return EncodeRequest(CommandSystemInfo, GroupDefault, "", "", terminator), nil
	case domain.ServiceRealTimeData:
		return EncodeRequest(CommandRealTimeData, GroupDefault, ecuID, "", terminator), nil
	case domain.ServiceInverterSignalLevel:
		return EncodeRequest(CommandInverterSignalLevel, GroupDefault, ecuID, "", terminator), nil
	case domain.ServicePowerOfDay:
		if !datePattern.MatchString(arg) {
			return nil, fmt.Errorf("%w: power of day date %q is not YYYYMMDD", ErrInvalidField, arg)
		}
		return EncodeRequest(CommandPowerOfDay, GroupDefault, ecuID, arg, terminator), nil
	case domain.ServiceEnergyOfWeek:
		return EncodeRequest(CommandEnergyOfWMY, GroupDefault, ecuID, PeriodWeek, terminator), nil
	case domain.ServiceEnergyOfMonth:
		return EncodeRequest(CommandEnergyOfWMY, GroupDefault, ecuID, PeriodMonth, terminator), nil
	case domain.ServiceEnergyOfYear:
		return EncodeRequest(CommandEnergyOfWMY, GroupDefault, ecuID, PeriodYear, terminator), nil
	default:
		return nil, fmt.Errorf("%w: service %d", ErrUnknownCommand, service)
	}
}

// CommandFor returns the command number a service is answered with.
func CommandFor(service domain.Service) string {
	switch service {
	case domain.ServiceSystemInfo:
		return CommandSystemInfo
	case domain.ServiceRealTimeData:
		return CommandRealTimeData
	case domain.ServiceInverterSignalLevel:
		return CommandInverterSignalLevel
	case domain.ServicePowerOfDay:
		return CommandPowerOfDay
	case domain.ServiceEnergyOfWeek, domain.ServiceEnergyOfMonth, domain.ServiceEnergyOfYear:
		return CommandEnergyOfWMY
	default:
		return ""
	}
}

// DecodeHeader checks the frame envelope and parses the header. The checks
// are heuristic: the frame must be longer than MinFrameLength, start with the
// signature and end with the end marker once terminator bytes are trimmed.
func DecodeHeader(frame []byte) (Header, error) {
	if len(frame) <= MinFrameLength {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(frame))
	}
	if !bytes.HasPrefix(frame, []byte(Signature)) {
		return Header{}, fmt.Errorf("%w: bad signature %q", ErrInvalidFrame, frame[:len(Signature)])
	}

	group := string(frame[3:5])
	if !isDigits(group) {
		return Header{}, fmt.Errorf("%w: bad command group %q", ErrInvalidFrame, group)
	}
	length, err := ASCIIDecimal(frame[5:9])
	if err != nil {
		return Header{}, fmt.Errorf("%w: bad frame length: %v", ErrInvalidFrame, err)
	}
	command := string(frame[9:13])
	if !isDigits(command) {
		return Header{}, fmt.Errorf("%w: bad command number %q", ErrInvalidFrame, command)
	}
	if !bytes.HasSuffix(TrimTerminator(frame), []byte(EndMarker)) {
		return Header{}, fmt.Errorf("%w: missing end marker", ErrInvalidFrame)
	}

	return Header{Group: group, Length: length, Command: command}, nil
}

// Payload returns the bytes between header and end marker.
func Payload(frame []byte) ([]byte, error) {
	body := TrimTerminator(frame)
	if len(body) < HeaderLength+len(EndMarker) || !bytes.HasSuffix(body, []byte(EndMarker)) {
		return nil, fmt.Errorf("%w: no payload", ErrInvalidFrame)
	}
	return body[HeaderLength : len(body)-len(EndMarker)], nil
}

// TrimTerminator strips trailing CR and LF bytes.
func TrimTerminator(frame []byte) []byte {
	return bytes.TrimRight(frame, "\r\n")
}

// TrimLeadingTerminator strips leading CR and LF bytes.
func TrimLeadingTerminator(buf []byte) []byte {
	return bytes.TrimLeft(buf, "\r\n")
}

// NextFrame splits the first frame off buffered bytes. The declared length
// decides where a frame ends, so "END" bytes inside a binary payload do not
// cut it short. When the declared length is unusable or does not land on an
// end marker, the whole buffer is one frame once it ends with the marker.
// ok is false while more bytes are needed; rest is what remains buffered.
func NextFrame(buf []byte) (frame, rest []byte, ok bool) {
	buf = TrimLeadingTerminator(buf)
	if len(buf) < HeaderLength {
		return nil, buf, false
	}

	if length, err := ASCIIDecimal(buf[5:9]); err == nil && length > MinFrameLength {
		if len(buf) < length {
			return nil, buf, false
		}
		if bytes.HasSuffix(buf[:length], []byte(EndMarker)) {
			end := length
			for end < len(buf) && (buf[end] == '\r' || buf[end] == '\n') {
				end++
			}
			return buf[:end], buf[end:], true
		}
	}

	if len(buf) > MinFrameLength && bytes.HasSuffix(TrimTerminator(buf), []byte(EndMarker)) {
		return buf, nil, true
	}
	return nil, buf, false
}

// EncodeResponse builds a response frame around a binary payload.
func EncodeResponse(command, group string, payload []byte, terminator string) []byte {
	length := HeaderLength + len(payload) + len(EndMarker)

	var buf bytes.Buffer
	buf.Grow(length + len(terminator))
	fmt.Fprintf(&buf, "%s%s%04d%s", Signature, group, length, command)
	buf.Write(payload)
	buf.WriteString(EndMarker)
	buf.WriteString(terminator)
	return buf.Bytes()
}
