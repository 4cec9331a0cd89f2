package checkpoint

import (
	"sync"

	"marketreplay/internal/replay"
	"marketreplay/internal/sink"
	"marketreplay/pkg/types"
)

// PipelineState aggregates the replayer's state and the input progress
// cursors into checkpoint records; no data sink state is recorded. Progress updates come from the worker's event
// loop; capture may run on the checkpoint goroutine, so the mutable
// cursor fields are mutex-protected.
type PipelineState struct {
	symbol string

	mu              sync.Mutex
	currentFile     string
	fileOffset      int64
	eventsProcessed int64

	replayer *replay.Replayer
	dataSink *sink.Sink
}

// NewPipelineState creates a provider for one symbol's pipeline.
func NewPipelineState(symbol string, r *replay.Replayer, s *sink.Sink) *PipelineState {
	return &PipelineState{symbol: symbol, replayer: r, dataSink: s}
}

// UpdateFileProgress records the input resume position.
func (p *PipelineState) UpdateFileProgress(file string, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentFile = file
	p.fileOffset = offset
}

// IncrementEvents advances the processed-event counter.
func (p *PipelineState) IncrementEvents(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventsProcessed += n
}

// EventsProcessed returns the running event count.
func (p *PipelineState) EventsProcessed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventsProcessed
}

// RestoreProgress reloads the counters from a recovered checkpoint.
func (p *PipelineState) RestoreProgress(rec *types.CheckpointRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentFile = rec.CurrentFile
	p.fileOffset = rec.FileOffset
	p.eventsProcessed = rec.EventsProcessed
}

// ResumePosition exposes where input processing should resume.
func (p *PipelineState) ResumePosition() (file string, offset int64, lastUpdateID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentFile, p.fileOffset, p.replayer.Book().LastUpdateID
}

// CheckpointState implements StateProvider: it copies the ladders,
// cursors, and statistics into a self-contained record.
func (p *PipelineState) CheckpointState() (types.CheckpointRecord, error) {
	p.mu.Lock()
	currentFile, fileOffset, events := p.currentFile, p.fileOffset, p.eventsProcessed
	p.mu.Unlock()

	book := p.replayer.Book()
	bids, asks := book.State()

	return types.CheckpointRecord{
		Symbol:          p.symbol,
		LastUpdateID:    book.LastUpdateID,
		LastOriginTime:  book.LastOriginTime,
		EventsProcessed: events,
		SnapshotCount:   book.SnapshotCount,
		Bids:            bids,
		Asks:            asks,
		GapStats:        p.replayer.Sequencer().Stats(),
		DriftSummary:    p.replayer.Drift().Statistics(),
		CurrentFile:     currentFile,
		FileOffset:      fileOffset,
	}, nil
}
