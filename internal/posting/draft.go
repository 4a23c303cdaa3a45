package posting

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ilnaes/gopost/internal/common"
)

var lonePostLink = regexp.MustCompile(`^>>\d+ ?$`)

// Draft is a post being authored by this client
type Draft struct {
	a    *Authoring
	kind Kind
	view View

	id    int64
	phase State

	lines  []string // terminated lines
	line   string   // open line still being edited
	length int      // code points of the whole body, newlines included

	allocationRequested bool
	allocated           bool
	closed              bool

	imageSent bool
	image     *common.Image
}

func newDraft(a *Authoring, kind Kind, v View) *Draft {
	if v == nil {
		v = NopView{}
	}
	return &Draft{a: a, kind: kind, view: v}
}

// load sets the body of an already allocated post
func (d *Draft) load(body string) {
	parts := strings.Split(body, "\n")
	d.lines = parts[:len(parts)-1]
	d.line = parts[len(parts)-1]
	d.length = utf8.RuneCountInString(body)
}

func (d *Draft) ID() int64 {
	return d.id
}

func (d *Draft) Kind() Kind {
	return d.kind
}

func (d *Draft) Allocated() bool {
	return d.allocated
}

func (d *Draft) AllocationRequested() bool {
	return d.allocationRequested
}

func (d *Draft) Closed() bool {
	return d.closed
}

// Line returns the open line
func (d *Draft) Line() string {
	return d.line
}

// Lines returns the terminated lines
func (d *Draft) Lines() []string {
	return append([]string(nil), d.lines...)
}

// Body returns the full text committed so far
func (d *Draft) Body() string {
	if d.closed {
		return strings.Join(d.lines, "\n")
	}
	return strings.Join(append(d.Lines(), d.line), "\n")
}

// Length returns the number of code points in Body
func (d *Draft) Length() int {
	return d.length
}

func (d *Draft) Image() *common.Image {
	return d.image
}

// ParseInput compares the new value of the input line to the open line and
// commits the difference. If the body would grow past the length limit, the
// view is told to trim its input and the shortened value is parsed instead.
// Returns the number of code points trimmed.
func (d *Draft) ParseInput(val string) int {
	if d.closed {
		d.a.dropped("input")
		return 0
	}

	old := d.line
	if old == val {
		return 0
	}

	lenDiff := utf8.RuneCountInString(val) - utf8.RuneCountInString(old)
	if exceeding := d.length + lenDiff - common.MaxBodyLength; exceeding > 0 {
		d.view.TrimInput(exceeding)
		return exceeding + d.ParseInput(trimEnd(val, exceeding))
	}

	if !d.allocationRequested {
		d.requestAlloc(val, nil)
		return 0
	}
	if d.phase == Hijacked {
		d.setPhase(Active)
	}

	op, _ := common.DiffLine(old, val)
	switch op.Kind {
	case common.OpAppend:
		d.commitChar(op.Char)
	case common.OpBackspace:
		d.commitBackspace()
	default:
		d.commitSplice(op, lenDiff)
	}
	return 0
}

// TypeRune appends a single code point to the open line
func (d *Draft) TypeRune(r rune) int {
	return d.ParseInput(d.line + string(r))
}

// AddReference inserts a link to another post into the open line. Links
// typed after a lone link go to a new line.
func (d *Draft) AddReference(id int64) int {
	var s string
	switch {
	case lonePostLink.MatchString(d.line):
		s = "\n"
	case d.line != "" && !strings.HasSuffix(d.line, " "):
		s = " "
	}
	return d.ParseInput(fmt.Sprintf("%s%s>>%d ", d.line, s, id))
}

// AttachImage is the completion callback of an image upload. Completions
// arriving after the draft closed or already got an image are discarded.
func (d *Draft) AttachImage(img common.ImageRef) {
	if d.closed || d.imageSent || d.image != nil {
		d.a.log.Debug("discarded image upload", "draft", d.id, "closed", d.closed)
		return
	}
	d.imageSent = true
	if !d.allocationRequested {
		d.requestAlloc("", &img)
		return
	}
	d.send(common.MessageInsertImage, img)
}

// Close sends the close request and reverts the draft to a plain post
func (d *Draft) Close() {
	if d.closed {
		d.a.dropped("close")
		return
	}
	d.normalize()
	d.view.CleanUp()
	if d.allocationRequested {
		typ, payload := common.Close().Message()
		d.send(typ, payload)
	}
	d.setPhase(Closed)
}

// Abandon gives up the draft, for example after the ability to post was
// lost. The half typed line is kept as final and messages not yet sent are
// discarded. If the post was requested and the connection is up, the server
// is told to close it.
func (d *Draft) Abandon() {
	d.abandon(d.a.connected)
}

func (d *Draft) abandon(closePost bool) {
	if d.closed {
		d.a.dropped("abandon")
		return
	}
	d.normalize()
	d.view.CleanUp()
	d.a.outbox.drop(d)
	if closePost && d.allocationRequested {
		typ, payload := common.Close().Message()
		d.send(typ, payload)
	}
	d.setPhase(Closed)
	d.a.flush()
}

// normalize terminates the open line and marks the draft closed
func (d *Draft) normalize() {
	d.lines = append(d.lines, d.line)
	d.line = ""
	d.closed = true
}

// OnAllocation handles the server assigning an id to the draft. Repeated
// deliveries, for example after a reconnect, are ignored.
func (d *Draft) OnAllocation(alloc common.PostAlloc) {
	if d.allocated {
		return
	}
	d.allocated = true
	d.id = alloc.ID
	d.a.posts[alloc.ID] = d
	if d.closed {
		return
	}

	d.setPhase(Active)
	d.view.RenderAlloc()
	if alloc.Image != nil {
		d.insertImage(*alloc.Image)
	}
}

func (d *Draft) insertImage(img common.Image) {
	d.image = &img
	d.view.InsertImage(img)
}

func (d *Draft) requestAlloc(body string, img *common.ImageRef) {
	d.allocationRequested = true
	req := common.PostRequest{Image: img}
	if d.a.creds != nil {
		req.Credentials = d.a.creds()
	}
	if body != "" {
		req.Body = body
		d.line = body
		d.length = utf8.RuneCountInString(body)
		d.reformatInput(body)
	}

	d.setPhase(Allocating)
	d.a.enqueue(message{
		draft: d,
		typ:   common.MessageInsertPost,
		data:  req,
		ack: NewFuture(func(alloc common.PostAlloc) {
			d.OnAllocation(alloc)
			d.a.flush()
		}),
	})
}

func (d *Draft) commitChar(r rune) {
	d.length++
	if r == '\n' {
		d.terminate(d.line)
		d.view.StartNewLine()
		d.line = ""
	} else {
		d.line += string(r)
	}
	typ, payload := common.Append(r).Message()
	d.send(typ, payload)
}

func (d *Draft) commitBackspace() {
	_, size := utf8.DecodeLastRuneInString(d.line)
	d.line = d.line[:len(d.line)-size]
	d.length--
	typ, payload := common.Backspace().Message()
	d.send(typ, payload)
}

func (d *Draft) commitSplice(op common.EditOp, lenDiff int) {
	typ, payload := op.Message()
	d.send(typ, payload)
	d.length += lenDiff
	d.line = string([]rune(d.line)[:op.Splice.Start]) + op.Splice.Text
	d.reformatInput(d.line)
}

// reformatInput commits all complete lines of val and keeps the last one open
func (d *Draft) reformatInput(val string) {
	if !strings.Contains(val, "\n") {
		return
	}
	parts := strings.Split(val, "\n")
	completed, tail := parts[:len(parts)-1], parts[len(parts)-1]
	for _, l := range completed {
		d.terminate(l)
	}
	d.line = tail
	d.view.InjectLines(completed, tail)
}

func (d *Draft) terminate(line string) {
	d.lines = append(d.lines, line)
	d.view.TerminateLine(len(d.lines) - 1)
}

func (d *Draft) send(typ common.MessageType, payload interface{}) {
	d.a.enqueue(message{draft: d, typ: typ, data: payload})
}

func (d *Draft) setPhase(s State) {
	d.phase = s
	if d.a.draft == d {
		d.a.update()
	}
}

func trimEnd(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return ""
	}
	return string(r[:len(r)-n])
}
