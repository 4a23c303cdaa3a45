package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrEmptyLine     = errors.New("backspace on empty line")
	ErrSpliceBounds  = errors.New("splice out of line bounds")
	ErrUnknownEditOp = errors.New("unknown edit operation")
	ErrInvalidRune   = errors.New("invalid code point")
)

type OpKind int

const (
	OpAppend OpKind = iota + 1
	OpBackspace
	OpSplice
	OpClose
)

// EditOp is one mutation of the open line of a post
type EditOp struct {
	Kind   OpKind
	Char   rune          // OpAppend
	Splice SpliceRequest // OpSplice
}

func Append(r rune) EditOp {
	return EditOp{Kind: OpAppend, Char: r}
}

func Backspace() EditOp {
	return EditOp{Kind: OpBackspace}
}

func Splice(start, length int, text string) EditOp {
	return EditOp{
		Kind:   OpSplice,
		Splice: SpliceRequest{Start: start, Len: length, Text: text},
	}
}

func Close() EditOp {
	return EditOp{Kind: OpClose}
}

// Message returns the wire type and payload of the operation
func (op EditOp) Message() (MessageType, interface{}) {
	switch op.Kind {
	case OpAppend:
		return MessageAppend, op.Char
	case OpBackspace:
		return MessageBackspace, nil
	case OpSplice:
		return MessageSplice, op.Splice
	default:
		return MessageClosePost, nil
	}
}

// ParseEditOp reads an operation back from a decoded envelope
func ParseEditOp(e Envelope) (EditOp, error) {
	switch e.Type {
	case MessageAppend:
		var r rune
		if err := json.Unmarshal(e.Data, &r); err != nil {
			return EditOp{}, fmt.Errorf("decode append: %w", err)
		}
		if !utf8.ValidRune(r) {
			return EditOp{}, ErrInvalidRune
		}
		return Append(r), nil
	case MessageBackspace:
		return Backspace(), nil
	case MessageSplice:
		var req SpliceRequest
		if err := json.Unmarshal(e.Data, &req); err != nil {
			return EditOp{}, fmt.Errorf("decode splice: %w", err)
		}
		return EditOp{Kind: OpSplice, Splice: req}, nil
	case MessageClosePost:
		return Close(), nil
	}
	return EditOp{}, ErrUnknownEditOp
}

// DiffLine returns the operation that turns old into val and false, if
// they are equal. Lines are compared by code point.
//
// Anything that is not a single appended or removed trailing character is
// sent as a splice of the whole tail from the first differing position.
// The receiving end relies on these tail resend semantics.
func DiffLine(old, val string) (EditOp, bool) {
	if old == val {
		return EditOp{}, false
	}

	o := []rune(old)
	v := []rune(val)

	switch {
	case len(v) == len(o)+1 && string(v[:len(o)]) == old:
		return Append(v[len(o)]), true
	case len(o) == len(v)+1 && string(o[:len(v)]) == val:
		return Backspace(), true
	}

	// first differing code point, or the end of old, if val extends it
	start := len(o)
	for i := range o {
		if i >= len(v) || o[i] != v[i] {
			start = i
			break
		}
	}

	return Splice(start, -1, string(v[start:])), true
}

// ApplyLine applies an operation to a single line. The result may contain
// newlines, which the caller is responsible for splitting.
func ApplyLine(line string, op EditOp) (string, error) {
	switch op.Kind {
	case OpAppend:
		return line + string(op.Char), nil
	case OpBackspace:
		if line == "" {
			return "", ErrEmptyLine
		}
		_, size := utf8.DecodeLastRuneInString(line)
		return line[:len(line)-size], nil
	case OpSplice:
		return splice(line, op.Splice)
	case OpClose:
		return line, nil
	}
	return "", ErrUnknownEditOp
}

func splice(line string, req SpliceRequest) (string, error) {
	s := []rune(line)
	if req.Start < 0 || req.Start > len(s) || req.Len < -1 {
		return "", ErrSpliceBounds
	}

	end := len(s)
	if req.Len != -1 && req.Start+req.Len < end {
		end = req.Start + req.Len
	}

	res := make([]rune, 0, req.Start+len(req.Text)+len(s)-end)
	res = append(res, s[:req.Start]...)
	res = append(res, []rune(req.Text)...)
	res = append(res, s[end:]...)

	return string(res), nil
}
