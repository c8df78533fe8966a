package client

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Tyrowin/lobbychat/internal/protocol"
)

// Renderer turns server frames into display lines for one user.
type Renderer struct {
	self string

	joinStyle   lipgloss.Style
	leaveStyle  lipgloss.Style
	senderStyle lipgloss.Style
	rosterStyle lipgloss.Style
	errorStyle  lipgloss.Style
}

// NewRenderer creates a Renderer for the user named self. Colors are only
// emitted when w is a terminal that supports them.
func NewRenderer(w io.Writer, self string) *Renderer {
	r := lipgloss.NewRenderer(w)

	return &Renderer{
		self:        self,
		joinStyle:   r.NewStyle().Foreground(lipgloss.Color("42")),
		leaveStyle:  r.NewStyle().Foreground(lipgloss.Color("214")),
		senderStyle: r.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		rosterStyle: r.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		errorStyle:  r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// Render returns the line to display for msg. The second result is false
// when nothing should be shown, which is the case for the user's own
// messages echoed back by the server.
func (r *Renderer) Render(msg protocol.ChatMessage) (string, bool) {
	switch m := msg.(type) {
	case protocol.Join:
		return r.joinStyle.Render(m.Username + " joined the chat"), true
	case protocol.Leave:
		return r.leaveStyle.Render(m.Username + " left the chat"), true
	case protocol.Message:
		if m.Username == r.self {
			return "", false
		}
		return r.senderStyle.Render(m.Username+":") + " " + m.Content, true
	case protocol.UserList:
		return r.rosterStyle.Render("Users online: " + strings.Join(m.Users, ", ")), true
	case protocol.Error:
		return r.errorStyle.Render("Error: " + m.Message), true
	default:
		return "", false
	}
}
