package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lrstanley/go-ytdlp"
)

const (
	// DefaultProbeTimeout bounds metadata extraction.
	DefaultProbeTimeout = 60 * time.Second
	// DefaultFetchTimeout bounds a single download.
	DefaultFetchTimeout = 10 * time.Minute
	// thumbnailFormat is the image format thumbnails are converted to.
	thumbnailFormat = "jpg"
	untitled        = "Untitled"
)

// partialSuffixes mark files yt-dlp leaves behind while (or after failing)
// writing the real output.
var partialSuffixes = []string{".part", ".ytdl", ".temp"}

// runner executes a configured yt-dlp command for url and returns its stdout.
type runner func(ctx context.Context, cmd *ytdlp.Command, url string) (string, error)

func runCommand(ctx context.Context, cmd *ytdlp.Command, url string) (string, error) {
	res, err := cmd.Run(ctx, url)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// YTDLP is a Provider backed by the yt-dlp executable.
type YTDLP struct {
	dir          string
	executable   string
	probeTimeout time.Duration
	fetchTimeout time.Duration
	audioFormat  string
	audioQuality string

	run     runner
	newName func() string
}

// YTDLPOpts holds parameters for creating a YTDLP provider.
type YTDLPOpts struct {
	Dir          string // download directory (required)
	Executable   string // yt-dlp binary; empty uses PATH
	ProbeTimeout time.Duration
	FetchTimeout time.Duration
	AudioFormat  string // defaults to mp3
	AudioQuality string // defaults to 192K
}

// NewYTDLP creates a yt-dlp provider writing into opts.Dir.
func NewYTDLP(opts YTDLPOpts) (*YTDLP, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("media: ytdlp: download dir is required")
	}
	p := &YTDLP{
		dir:          opts.Dir,
		executable:   opts.Executable,
		probeTimeout: opts.ProbeTimeout,
		fetchTimeout: opts.FetchTimeout,
		audioFormat:  opts.AudioFormat,
		audioQuality: opts.AudioQuality,
		run:          runCommand,
		newName:      uuid.NewString,
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = DefaultProbeTimeout
	}
	if p.fetchTimeout <= 0 {
		p.fetchTimeout = DefaultFetchTimeout
	}
	if p.audioFormat == "" {
		p.audioFormat = "mp3"
	}
	if p.audioQuality == "" {
		p.audioQuality = "192K"
	}
	return p, nil
}

// command returns a quiet base command.
func (p *YTDLP) command() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		NoProgress().
		NoPlaylist()
	if p.executable != "" {
		cmd.SetExecutable(p.executable)
	}
	return cmd
}

// Probe dumps the URL's metadata as JSON and converts its format list.
func (p *YTDLP) Probe(ctx context.Context, url string) (*Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	cmd := p.command().DumpSingleJSON().SkipDownload()
	out, err := p.run(ctx, cmd, url)
	if err != nil {
		return nil, fmt.Errorf("media: probe %s: %w", url, err)
	}
	desc, err := parseDescriptor([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("media: probe %s: %w", url, err)
	}
	return desc, nil
}

// Fetch downloads url into a uniquely named file in the download directory.
// Audio is extracted with the configured codec and bitrate; thumbnails are
// written as jpg without the media itself; video uses formatID directly.
func (p *YTDLP) Fetch(ctx context.Context, url, formatID string, t Type) (string, error) {
	if formatID == "" {
		formatID = BestFormatID
	}
	if strings.ContainsAny(formatID, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrBadFormatID, formatID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	name := p.newName()
	cmd := p.command().Output(filepath.Join(p.dir, name+".%(ext)s"))
	want := ""
	switch t {
	case Audio:
		cmd.Format("bestaudio/best").
			ExtractAudio().
			AudioFormat(p.audioFormat).
			AudioQuality(p.audioQuality)
		want = p.audioFormat
	case Thumbnail:
		cmd.SkipDownload().
			WriteThumbnail().
			ConvertThumbnails(thumbnailFormat)
		want = thumbnailFormat
	default:
		cmd.Format(formatID)
	}

	if _, err := p.run(ctx, cmd, url); err != nil {
		removeOutputs(p.dir, name, "")
		return "", fmt.Errorf("media: fetch %s (%s, %s): %w", url, t, formatID, err)
	}
	path, err := findOutput(p.dir, name, want)
	if err != nil {
		return "", fmt.Errorf("media: fetch %s (%s, %s): %w", url, t, formatID, err)
	}
	return path, nil
}

// probeJSON mirrors the subset of yt-dlp's info dict we read.
type probeJSON struct {
	Title   string `json:"title"`
	Formats []struct {
		FormatID string   `json:"format_id"`
		Ext      string   `json:"ext"`
		VCodec   *string  `json:"vcodec"`
		Height   *float64 `json:"height"`
	} `json:"formats"`
}

// parseDescriptor converts yt-dlp JSON output into a Descriptor. A missing
// vcodec counts as video; only an explicit "none" marks audio-only.
func parseDescriptor(data []byte) (*Descriptor, error) {
	var info probeJSON
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	desc := &Descriptor{Title: strings.TrimSpace(info.Title)}
	if desc.Title == "" {
		desc.Title = untitled
	}
	for _, f := range info.Formats {
		enc := Encoding{
			FormatID:  f.FormatID,
			Container: f.Ext,
			HasVideo:  f.VCodec == nil || *f.VCodec != "none",
		}
		if f.Height != nil && *f.Height > 0 {
			h := int(*f.Height)
			enc.Height = &h
		}
		desc.Encodings = append(desc.Encodings, enc)
	}
	return desc, nil
}

// findOutput locates the file written for name, preferring extension want,
// and removes any other files sharing the name.
func findOutput(dir, name, want string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, name+".*"))
	if err != nil {
		return "", err
	}
	slices.Sort(matches)

	var found string
	for _, m := range matches {
		if isPartial(m) {
			continue
		}
		if info, err := os.Stat(m); err != nil || info.IsDir() {
			continue
		}
		if want != "" && strings.EqualFold(strings.TrimPrefix(filepath.Ext(m), "."), want) {
			found = m
			break
		}
		if found == "" {
			found = m
		}
	}
	removeOutputs(dir, name, found)
	if found == "" {
		return "", ErrNoOutput
	}
	return found, nil
}

// removeOutputs deletes every file for name except keep.
func removeOutputs(dir, name, keep string) {
	matches, _ := filepath.Glob(filepath.Join(dir, name+".*"))
	for _, m := range matches {
		if m != keep {
			Cleanup(m)
		}
	}
}

func isPartial(path string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
