package turn

import (
	"context"
	"strings"

	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/plugin"
	"github.com/untoldecay/ThreadLoom/internal/thread"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// segmenter forwards token deltas to the display stream and persists
// the thinking/message segmentation of a model round. Each contiguous
// run of one kind becomes its own history message: a segment is flushed
// the moment the model switches kinds, and the trailing segment when
// the round ends.
type segmenter struct {
	o     *Orchestrator
	ctx   context.Context
	user  string
	th    *types.Thread
	state *plugin.TurnState
	em    flow.Emitter

	kind types.EventKind
	buf  strings.Builder
	// wroteText reports whether any message segment reached history, so
	// the round's fallback assistant write can be skipped.
	wroteText bool
}

func newSegmenter(o *Orchestrator, ctx context.Context, user string, th *types.Thread,
	state *plugin.TurnState, em flow.Emitter) *segmenter {
	return &segmenter{o: o, ctx: ctx, user: user, th: th, state: state, em: em}
}

func (s *segmenter) feed(event types.StreamEvent) error {
	if event.Kind != types.EventThinkingTokens && event.Kind != types.EventMessageTokens {
		return nil
	}
	if s.kind != "" && s.kind != event.Kind {
		if err := s.flush(); err != nil {
			return err
		}
	}
	s.kind = event.Kind
	s.buf.WriteString(event.Content)

	event.ThreadID = s.th.ID
	event.Model = s.state.Config.Model
	event.Timestamp = types.Now()
	s.o.emitFiltered(s.ctx, s.em, s.state, event)
	return nil
}

// flush closes the current segment, writing it to history under the
// role matching its kind.
func (s *segmenter) flush() error {
	defer func() {
		s.buf.Reset()
		s.kind = ""
	}()
	if s.buf.Len() == 0 {
		return nil
	}
	switch s.kind {
	case types.EventThinkingTokens:
		_, err := s.o.threads.AddMessage(s.ctx, s.user, s.th.ID, types.RoleThinking, s.buf.String(),
			thread.WithModel(s.state.Config.Model))
		return err
	case types.EventMessageTokens:
		s.wroteText = true
		_, err := s.o.threads.AddMessage(s.ctx, s.user, s.th.ID, types.RoleAssistant, s.buf.String(),
			thread.WithModel(s.state.Config.Model))
		return err
	}
	return nil
}
