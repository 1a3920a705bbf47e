// Package wire defines the five radio messages exchanged by the base
// station, robots and sensors, and their fixed-size binary encoding.
//
// Every record starts with a one-byte tag followed by big-endian fields.
// A record's length is fully determined by its tag.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

// ErrMalformed is returned for payloads that are empty, carry an unknown
// tag, or whose length does not match their tag.
var ErrMalformed = errors.New("malformed message")

// Tag identifies the message type.
type Tag uint8

const (
	TagDiscovery  Tag = 1
	TagReply      Tag = 2
	TagReport     Tag = 3
	TagAssignment Tag = 4
	TagCommand    Tag = 5
)

func (t Tag) String() string {
	switch t {
	case TagDiscovery:
		return "discovery"
	case TagReply:
		return "reply"
	case TagReport:
		return "report"
	case TagAssignment:
		return "assignment"
	case TagCommand:
		return "command"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Encoded sizes, tag byte included.
const (
	DiscoverySize  = 1 + 2 + 2 + 8 + 8
	ReplySize      = 1 + 2 + 2 + 8 + 8 + 1
	ReportSize     = 1 + 2 + 2 + 2
	AssignmentSize = 1 + 2 + 2 + 8 + 8
	CommandSize    = 1 + 2 + 1 + 1 + 8 + 8
)

// Message is implemented by every record in this package.
type Message interface {
	Tag() Tag
	// Size is the encoded length in bytes.
	Size() int
	encode(b []byte)
}

// Discovery is broadcast by a robot when it arrives at an LA center.
type Discovery struct {
	Robot model.NodeID
	// Seq increases with every broadcast from the same robot; sensors
	// answer each (Robot, Seq) once.
	Seq      uint16
	Position model.Point
}

// Reply answers a Discovery.
type Reply struct {
	Sensor   model.NodeID
	Robot    model.NodeID
	Position model.Point
	Mode     model.Mode
}

// Report tells the base station how many grids of an LA a robot covered.
type Report struct {
	Robot   model.NodeID
	LA      model.LAID
	Covered uint16
}

// Assignment hands an LA to a robot. Robot may be model.AnyRobot.
type Assignment struct {
	Robot  model.NodeID
	LA     model.LAID
	Center model.Point
}

// Command switches a sensor's mode, optionally relocating it.
type Command struct {
	Sensor      model.NodeID
	Mode        model.Mode
	HasPosition bool
	Position    model.Point
}

func (Discovery) Tag() Tag  { return TagDiscovery }
func (Reply) Tag() Tag      { return TagReply }
func (Report) Tag() Tag     { return TagReport }
func (Assignment) Tag() Tag { return TagAssignment }
func (Command) Tag() Tag    { return TagCommand }

func (Discovery) Size() int  { return DiscoverySize }
func (Reply) Size() int      { return ReplySize }
func (Report) Size() int     { return ReportSize }
func (Assignment) Size() int { return AssignmentSize }
func (Command) Size() int    { return CommandSize }

// Encode serialises m into a freshly allocated buffer.
func Encode(m Message) []byte {
	b := make([]byte, m.Size())
	b[0] = byte(m.Tag())
	m.encode(b[1:])
	return b
}

// Decode parses a record produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	tag := Tag(b[0])
	var want int
	switch tag {
	case TagDiscovery:
		want = DiscoverySize
	case TagReply:
		want = ReplySize
	case TagReport:
		want = ReportSize
	case TagAssignment:
		want = AssignmentSize
	case TagCommand:
		want = CommandSize
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, b[0])
	}
	if len(b) != want {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, tag, len(b), want)
	}

	r := reader{b: b[1:]}
	switch tag {
	case TagDiscovery:
		return Discovery{Robot: r.node(), Seq: r.u16(), Position: r.point()}, nil
	case TagReply:
		m := Reply{Sensor: r.node(), Robot: r.node(), Position: r.point(), Mode: model.Mode(r.u8())}
		if !m.Mode.Valid() {
			return nil, fmt.Errorf("%w: reply mode %d", ErrMalformed, m.Mode)
		}
		return m, nil
	case TagReport:
		return Report{Robot: r.node(), LA: model.LAID(r.u16()), Covered: r.u16()}, nil
	case TagAssignment:
		return Assignment{Robot: r.node(), LA: model.LAID(r.u16()), Center: r.point()}, nil
	default:
		m := Command{Sensor: r.node(), Mode: model.Mode(r.u8())}
		hasPos := r.u8()
		m.Position = r.point()
		if !m.Mode.Valid() || hasPos > 1 {
			return nil, fmt.Errorf("%w: command mode %d position flag %d", ErrMalformed, m.Mode, hasPos)
		}
		m.HasPosition = hasPos == 1
		return m, nil
	}
}

func (m Discovery) encode(b []byte) {
	w := writer{b: b}
	w.node(m.Robot)
	w.u16(m.Seq)
	w.point(m.Position)
}

func (m Reply) encode(b []byte) {
	w := writer{b: b}
	w.node(m.Sensor)
	w.node(m.Robot)
	w.point(m.Position)
	w.u8(uint8(m.Mode))
}

func (m Report) encode(b []byte) {
	w := writer{b: b}
	w.node(m.Robot)
	w.u16(uint16(m.LA))
	w.u16(m.Covered)
}

func (m Assignment) encode(b []byte) {
	w := writer{b: b}
	w.node(m.Robot)
	w.u16(uint16(m.LA))
	w.point(m.Center)
}

func (m Command) encode(b []byte) {
	w := writer{b: b}
	w.node(m.Sensor)
	w.u8(uint8(m.Mode))
	if m.HasPosition {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.point(m.Position)
}

type writer struct {
	b   []byte
	off int
}

func (w *writer) u8(v uint8) {
	w.b[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.BigEndian.PutUint16(w.b[w.off:], v)
	w.off += 2
}

func (w *writer) node(id model.NodeID) { w.u16(uint16(id)) }

func (w *writer) point(p model.Point) {
	binary.BigEndian.PutUint64(w.b[w.off:], math.Float64bits(p.X))
	binary.BigEndian.PutUint64(w.b[w.off+8:], math.Float64bits(p.Y))
	w.off += 16
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) node() model.NodeID { return model.NodeID(r.u16()) }

func (r *reader) point() model.Point {
	x := math.Float64frombits(binary.BigEndian.Uint64(r.b[r.off:]))
	y := math.Float64frombits(binary.BigEndian.Uint64(r.b[r.off+8:]))
	r.off += 16
	return model.Point{X: x, Y: y}
}
