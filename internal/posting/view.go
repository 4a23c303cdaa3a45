package posting

import "github.com/ilnaes/gopost/internal/common"

// View is notified of state changes of a draft. It is never read back.
type View interface {
	TerminateLine(index int)
	StartNewLine()
	InjectLines(completed []string, tail string)

	// TrimInput asks the input to drop excess code points from its end
	TrimInput(excess int)

	RenderAlloc()
	InsertImage(img common.Image)
	CleanUp()
}

// Transport sends a message to the server without waiting
type Transport interface {
	Send(typ common.MessageType, payload interface{})
}

// CredentialsFunc supplies the identity of the author of a new post
type CredentialsFunc func() common.Credentials

// NopView ignores all notifications
type NopView struct{}

func (NopView) TerminateLine(int) {}
func (NopView) StartNewLine() {}
func (NopView) InjectLines([]string, string) {}
func (NopView) TrimInput(int) {}
func (NopView) RenderAlloc() {}
func (NopView) InsertImage(common.Image) {}
func (NopView) CleanUp() {}
