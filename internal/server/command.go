package server

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Verbs understood by the protocol.
const (
	VerbClassify       = "classify"
	VerbExplainLime    = "explain_lime"
	VerbExplainGradCAM = "explain_gradcam"
)

// Pipeline turns an image path into the payload of a response line.
type Pipeline func(ctx context.Context, imagePath string) (string, error)

// Command is one parsed input line.
type Command struct {
	Verb    string
	ImageID string
}

// ParseCommand splits a line on its first space. It reports false for lines
// without a space.
func ParseCommand(line string) (Command, bool) {
	verb, id, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Command{}, false
	}
	return Command{Verb: verb, ImageID: id}, true
}

// ImagePath resolves the cached image of the command.
func (c Command) ImagePath(cacheDir string) string {
	return filepath.Join(cacheDir, c.ImageID+".png")
}

// Response formats the response line for payload, newline included.
func (c Command) Response(payload string) string {
	return c.Verb + " " + c.ImageID + " " + payload + "\n"
}

// key identifies a cached response. Rewriting the image changes the key.
func (c Command) key(modTime time.Time) string {
	return c.Verb + " " + c.ImageID + " " + strconv.FormatInt(modTime.UnixNano(), 10)
}
