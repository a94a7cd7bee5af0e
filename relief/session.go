package relief

import (
	"image"
	"time"

	"github.com/MaxShih147/Rushmore/heightfield"
)

// Session is the result of the last committed upload. A session is never
// modified after it is committed; parameter changes commit a copy.
type Session struct {
	RunID      string
	SourceName string
	SourceMIME string
	Source     []byte
	DepthImage *image.RGBA
	Base       *heightfield.Field // before blurring
	Blurred    *heightfield.Field
	Settings   Settings
	CreatedAt  time.Time
}

func (s *Session) with(runID string, blurred *heightfield.Field, settings Settings) *Session {
	next := *s
	next.RunID = runID
	next.Blurred = blurred
	next.Settings = settings
	return &next
}
