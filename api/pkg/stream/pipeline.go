// Package stream runs the per-agent remux-and-archive pipeline. Each
// active agent stream owns one external ffmpeg child process that turns
// the inbound container bytes into a rolling HLS playlist on disk, plus
// an append-only archive file that is uploaded to the VOD store when the
// stream stops.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/raidlink/raidlink/api/pkg/vod"
)

const (
	// stopKillTimeout bounds how long we wait for ffmpeg to drain and
	// exit after its stdin is closed before force-terminating it.
	stopKillTimeout = 10 * time.Second

	containerExt = ".webm"
	mimeType     = "video/webm"
)

var safeNamePattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Info describes one active stream for stream_status frames and the
// /streams endpoint.
type Info struct {
	AgentID   int    `json:"agentId"`
	Name      string `json:"name"`
	HLSURL    string `json:"hlsUrl"`
	StartedAt int64  `json:"startedAt"`
}

// ErrAlreadyStreaming is returned by Start when the slot already has an
// active pipeline session.
var ErrAlreadyStreaming = fmt.Errorf("already streaming")

// Uploader is the slice of the VOD client the pipeline needs. Nil means
// uploads are skipped.
type Uploader interface {
	UploadRecording(ctx context.Context, req vod.UploadRequest) error
}

// Manager owns the set of active pipeline sessions, at most one per
// agent slot.
type Manager struct {
	ffmpegPath    string
	liveRoot      string
	recordingRoot string
	uploader      Uploader

	mu       sync.Mutex
	sessions map[int]*session

	totalBytes atomic.Int64

	// OnStatus is invoked after the active set changes (start and stop).
	// Set once at wiring time, before any session starts.
	OnStatus func()
}

type session struct {
	id          string
	agentID     int
	name        string
	startedAt   time.Time
	liveDir     string
	archivePath string

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	archive  *os.File
	waitDone chan struct{}
	waitErr  error

	// mu guards the two sinks; frame writes happen outside the Manager
	// lock so a slow disk cannot stall the shared state.
	mu            sync.Mutex
	stdinClosed   bool
	archiveClosed bool
	bytes         int64
}

func NewManager(ffmpegPath, liveRoot, recordingRoot string, uploader Uploader) *Manager {
	return &Manager{
		ffmpegPath:    ffmpegPath,
		liveRoot:      liveRoot,
		recordingRoot: recordingRoot,
		uploader:      uploader,
		sessions:      make(map[int]*session),
	}
}

// safeArchiveName reduces a display name to [A-Za-z0-9_-], falling back
// to agent_<id> when nothing survives.
func safeArchiveName(name string, agentID int) string {
	safe := safeNamePattern.ReplaceAllString(name, "")
	if safe == "" {
		safe = fmt.Sprintf("agent_%d", agentID)
	}
	return safe
}

// hlsArgs builds the ffmpeg argument list: container in on stdin with
// low-latency input buffering, video track copied (no re-encode), audio
// dropped, 1-second rolling HLS out.
func hlsArgs(liveDir string, epochMs int64) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "nobuffer",
		"-i", "pipe:0",
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", "1",
		"-hls_list_size", "4",
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(liveDir, fmt.Sprintf("s%d_%%03d.ts", epochMs)),
		filepath.Join(liveDir, "stream.m3u8"),
	}
}

// Start spawns the pipeline for a slot. The live directory is wiped
// first so stale segments from a prior session never leak into the new
// playlist.
func (m *Manager) Start(agentID int, displayName string) error {
	m.mu.Lock()
	if _, exists := m.sessions[agentID]; exists {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}
	// Reserve the slot before the filesystem work so a concurrent
	// stream_start cannot double-spawn.
	m.sessions[agentID] = nil
	m.mu.Unlock()

	s, err := m.spawn(agentID, displayName)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, agentID)
		m.mu.Unlock()
		return err
	}
	m.sessions[agentID] = s
	m.mu.Unlock()

	// A transcoder that dies on its own (bad input, crash) goes through
	// the standard stop path. Stop is a no-op when the session was
	// already removed by an explicit stop. Started only after the
	// session is registered, so even an instant exit is caught.
	go func() {
		<-s.waitDone
		m.mu.Lock()
		active := m.sessions[agentID] == s
		m.mu.Unlock()
		if active {
			log.Warn().
				Str("session_id", s.id).
				Int("agent_id", agentID).
				Err(s.waitErr).
				Msg("transcoder exited unexpectedly, stopping pipeline")
			m.Stop(agentID)
		}
	}()

	if m.OnStatus != nil {
		m.OnStatus()
	}
	return nil
}

func (m *Manager) spawn(agentID int, displayName string) (*session, error) {
	now := time.Now()
	epochMs := now.UnixMilli()

	liveDir := filepath.Join(m.liveRoot, strconv.Itoa(agentID))
	if err := os.RemoveAll(liveDir); err != nil {
		return nil, fmt.Errorf("wipe live dir: %w", err)
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create live dir: %w", err)
	}

	if err := os.MkdirAll(m.recordingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	archivePath := filepath.Join(m.recordingRoot,
		fmt.Sprintf("%s_%d%s", safeArchiveName(displayName, agentID), epochMs, containerExt))

	s := &session{
		id:          uuid.NewString(),
		agentID:     agentID,
		name:        displayName,
		startedAt:   now,
		liveDir:     liveDir,
		archivePath: archivePath,
		waitDone:    make(chan struct{}),
	}

	cmd := exec.Command(m.ffmpegPath, hlsArgs(liveDir, epochMs)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	archive, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}

	if err := cmd.Start(); err != nil {
		archive.Close()
		os.Remove(archivePath)
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.archive = archive

	go s.drainStderr(stderr)
	go func() {
		s.waitErr = cmd.Wait()
		close(s.waitDone)
	}()

	log.Info().
		Str("session_id", s.id).
		Int("agent_id", agentID).
		Str("live_dir", liveDir).
		Str("archive", archivePath).
		Msg("stream pipeline started")

	return s, nil
}

func (s *session) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug().
			Str("session_id", s.id).
			Int("agent_id", s.agentID).
			Str("line", scanner.Text()).
			Msg("transcoder stderr")
	}
}

// Ingest routes one binary chunk into the slot's pipeline. Chunks for
// slots without an active session are dropped silently. Broken sinks are
// logged once and skipped from then on - the session stays live until an
// explicit stop or disconnect.
func (m *Manager) Ingest(agentID int, chunk []byte) {
	m.mu.Lock()
	s := m.sessions[agentID]
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stdinClosed {
		if _, err := s.stdin.Write(chunk); err != nil {
			log.Warn().
				Str("session_id", s.id).
				Int("agent_id", agentID).
				Err(err).
				Msg("transcoder stdin write failed, skipping further transcode input")
			s.stdinClosed = true
		}
	}
	if !s.archiveClosed {
		if _, err := s.archive.Write(chunk); err != nil {
			log.Warn().
				Str("session_id", s.id).
				Int("agent_id", agentID).
				Err(err).
				Msg("archive write failed, skipping further archive input")
			s.archiveClosed = true
		}
	}
	s.bytes += int64(len(chunk))
	m.totalBytes.Add(int64(len(chunk)))
}

// Stop tears down the slot's pipeline: the session leaves the active set
// first so no further frames reach it, then the sinks are closed, the
// transcoder gets up to 10 seconds to exit before being killed, the
// archive is uploaded when non-empty, and the local files are removed.
// Safe against repeat calls and concurrent disconnects.
func (m *Manager) Stop(agentID int) {
	m.mu.Lock()
	s := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	if !s.archiveClosed {
		s.archiveClosed = true
		if err := s.archive.Close(); err != nil {
			log.Warn().Str("session_id", s.id).Err(err).Msg("archive close failed")
		}
	}
	if !s.stdinClosed {
		s.stdinClosed = true
		if err := s.stdin.Close(); err != nil {
			log.Debug().Str("session_id", s.id).Err(err).Msg("transcoder stdin close failed")
		}
	}
	bytes := s.bytes
	s.mu.Unlock()

	select {
	case <-s.waitDone:
	case <-time.After(stopKillTimeout):
		log.Warn().
			Str("session_id", s.id).
			Int("agent_id", agentID).
			Msg("transcoder did not exit in time, killing")
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.waitDone
	}

	duration := time.Since(s.startedAt)
	log.Info().
		Str("session_id", s.id).
		Int("agent_id", agentID).
		Str("bytes", humanize.Bytes(uint64(bytes))).
		Dur("duration", duration).
		Msg("stream pipeline stopped")

	m.uploadArchive(s, duration)

	if err := os.RemoveAll(s.liveDir); err != nil {
		log.Warn().Str("session_id", s.id).Err(err).Msg("live dir cleanup failed")
	}
	// Local storage is ephemeral: the archive goes away whether or not
	// the upload succeeded.
	if err := os.Remove(s.archivePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("session_id", s.id).Err(err).Msg("archive cleanup failed")
	}

	if m.OnStatus != nil {
		m.OnStatus()
	}
}

func (m *Manager) uploadArchive(s *session, duration time.Duration) {
	fi, err := os.Stat(s.archivePath)
	if err != nil || fi.Size() == 0 {
		log.Info().Str("session_id", s.id).Msg("no archive bytes recorded, skipping upload")
		return
	}

	if m.uploader == nil {
		log.Warn().
			Str("session_id", s.id).
			Str("archive", s.archivePath).
			Msg("VOD store not configured, discarding recording")
		return
	}

	agentName := s.name
	if agentName == "" {
		agentName = fmt.Sprintf("agent_%d", s.agentID)
	}

	err = m.uploader.UploadRecording(context.Background(), vod.UploadRequest{
		FilePath:   s.archivePath,
		AgentName:  agentName,
		AgentID:    s.agentID,
		Duration:   int(duration.Seconds()),
		RecordedAt: s.startedAt,
		FileSize:   fi.Size(),
		MimeType:   mimeType,
	})
	if err != nil {
		log.Error().
			Str("session_id", s.id).
			Int("agent_id", s.agentID).
			Err(err).
			Msg("recording upload failed, discarding archive")
		return
	}

	log.Info().
		Str("session_id", s.id).
		Int("agent_id", s.agentID).
		Str("size", humanize.Bytes(uint64(fi.Size()))).
		Msg("recording uploaded")
}

// StopAsync runs Stop in the background so connection teardown never
// blocks on the kill timeout or the upload.
func (m *Manager) StopAsync(agentID int) {
	go m.Stop(agentID)
}

// StopAll stops every active pipeline, in parallel, and returns when all
// have finished. Used during graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID int) {
			defer wg.Done()
			m.Stop(agentID)
		}(id)
	}
	wg.Wait()
}

// Active returns the active sessions ordered by agent id.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s == nil {
			continue
		}
		infos = append(infos, Info{
			AgentID:   s.agentID,
			Name:      s.name,
			HLSURL:    fmt.Sprintf("/live/%d/stream.m3u8", s.agentID),
			StartedAt: s.startedAt.UnixMilli(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// ActiveCount returns the number of active pipeline sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// TotalBytes returns the total binary payload bytes ingested since start.
func (m *Manager) TotalBytes() int64 {
	return m.totalBytes.Load()
}
