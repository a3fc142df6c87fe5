package chatrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/logging"
	"github.com/go-go-golems/coeus/pkg/redisstream"
	"github.com/go-go-golems/coeus/pkg/transcript"
	"github.com/go-go-golems/coeus/pkg/ui"
)

// RunMode defines the execution mode for the chat session.
type RunMode string

const (
	RunModeChat        RunMode = "chat"
	RunModeInteractive RunMode = "interactive"
	RunModeBlocking    RunMode = "blocking"
)

// ErrReplyFailed is returned in blocking mode when the agent reply failed.
var ErrReplyFailed = errors.New("agent reply failed")

// Runner holds the validated configuration and executes one conversation in
// the configured mode. It's typically created by the ChatBuilder.
type Runner struct {
	ctx            context.Context
	session        *conversation.Session
	bus            *redisstream.Bus
	prompt         string
	renderer       *ui.Renderer
	programOptions []tea.ProgramOption
	mode           RunMode
	outputWriter   io.Writer
}

// Run executes the conversation based on its configured mode.
func (r *Runner) Run() error {
	switch r.mode {
	case RunModeChat:
		return r.runChatInternal()
	case RunModeInteractive:
		return r.runInteractiveInternal()
	case RunModeBlocking:
		return r.runBlockingInternal()
	default:
		return errors.Errorf("unknown run mode: %v", r.mode)
	}
}

// runChatInternal hosts the session in the terminal UI. Transcript changes
// travel over the bus and are forwarded into the program by a router handler.
func (r *Runner) runChatInternal() error {
	wmLogger := logging.NewWatermill(log.Logger)

	bus := r.bus
	if bus == nil {
		var err error
		bus, err = redisstream.BuildBus(redisstream.Settings{}, wmLogger)
		if err != nil {
			return errors.Wrap(err, "failed to create transcript bus")
		}
		defer func() { _ = bus.Close() }()
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return errors.Wrap(err, "failed to create router")
	}

	backend := ui.NewSessionBackend(r.ctx, r.session)
	model := ui.NewModel(backend, r.renderer)
	eg, childCtx := errgroup.WithContext(r.ctx)
	childCtx, cancel := context.WithCancel(childCtx)

	opts := append([]tea.ProgramOption{tea.WithContext(childCtx)}, r.programOptions...)
	p := tea.NewProgram(model, opts...)

	topic := transcript.Topic(r.session.ID())
	router.AddNoPublisherHandler("ui-transcript", topic, bus.Subscriber, ui.TranscriptForwardFunc(p))
	log.Debug().Str("component", "chatrunner").Str("topic", topic).Msg("Added UI transcript handler")

	stop := func() {
		cancel()
		log.Debug().Str("component", "chatrunner").Msg("Closing router")
		_ = router.Close()
	}

	eg.Go(func() error {
		defer stop()
		return router.Run(childCtx)
	})

	eg.Go(func() error {
		defer stop()

		select {
		case <-router.Running():
		case <-childCtx.Done():
			return nil
		}

		publisher := transcript.NewPublisher(bus.Publisher, r.session.ID())
		detach := publisher.Attach(r.session.Store())
		defer detach()
		r.session.Branches().OnStateChange(ui.BranchStateForwarder(p))

		log.Debug().Str("component", "chatrunner").Msg("Starting Bubble Tea program")
		_, runErr := p.Run()
		log.Debug().Err(runErr).Str("component", "chatrunner").Msg("Bubble Tea program finished")
		r.session.Abort()

		if childCtx.Err() != nil && (errors.Is(runErr, tea.ErrProgramKilled) || errors.Is(runErr, context.Canceled)) {
			return nil
		}
		return runErr
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) && r.ctx.Err() == context.Canceled {
		return nil
	}
	return err
}

// runBlockingInternal sends the prompt, waits for the reply to settle and
// prints it.
func (r *Runner) runBlockingInternal() error {
	if err := r.session.Send(r.ctx, r.prompt); err != nil {
		if errors.Is(err, context.Canceled) && r.ctx.Err() == context.Canceled {
			log.Debug().Msg("Blocking run cancelled by context")
			return nil
		}
		return errors.Wrap(err, "run failed")
	}

	last, ok := r.session.Store().Last()
	if !ok || last.Speaker != transcript.SpeakerAgent {
		return nil
	}
	if last.Failed {
		return errors.Wrap(ErrReplyFailed, last.Error)
	}

	text := last.Text
	if r.renderer != nil && strings.TrimSpace(text) != "" {
		text = r.renderer.Render(last.ID, text)
	}
	if _, err := fmt.Fprintln(r.outputWriter, text); err != nil {
		return errors.Wrap(err, "failed to write output")
	}
	return nil
}

// runInteractiveInternal handles initial blocking run + optional chat transition.
func (r *Runner) runInteractiveInternal() error {
	log.Debug().Msg("Running initial blocking step for interactive mode")
	err := r.runBlockingInternal()
	if err != nil {
		return errors.Wrap(err, "error during initial blocking step")
	}
	if r.ctx.Err() != nil {
		return nil
	}

	// Use Stderr for prompt asking, as Stdout might be redirected.
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.Debug().Msg("Stderr is not a TTY, skipping chat continuation prompt")
		return nil
	}

	continueInChat, err := askForChatContinuation(os.Stderr)
	if err != nil {
		return errors.Wrap(err, "failed to ask for chat continuation")
	}
	if !continueInChat {
		log.Debug().Msg("User chose not to continue in chat mode")
		return nil
	}

	log.Debug().Msg("User chose to continue, starting chat UI")
	return r.runChatInternal()
}

// --- ChatBuilder ---

// ChatBuilder provides a fluent API for configuring and running a conversation.
type ChatBuilder struct {
	err            error // To collect errors during build steps
	ctx            context.Context
	session        *conversation.Session
	bus            *redisstream.Bus
	prompt         string
	renderer       *ui.Renderer
	programOptions []tea.ProgramOption
	mode           RunMode
	outputWriter   io.Writer
}

// NewChatBuilder creates a new builder with default settings.
func NewChatBuilder() *ChatBuilder {
	return &ChatBuilder{
		ctx:            context.Background(),
		programOptions: []tea.ProgramOption{tea.WithMouseCellMotion(), tea.WithAltScreen()},
		outputWriter:   os.Stdout,
		mode:           RunModeChat,
	}
}

// WithContext sets the context for the conversation.
func (b *ChatBuilder) WithContext(ctx context.Context) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if ctx == nil {
		b.err = errors.New("context cannot be nil")
		return b
	}
	b.ctx = ctx
	return b
}

// WithSession sets the conversation session. (Required)
func (b *ChatBuilder) WithSession(session *conversation.Session) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if session == nil {
		b.err = errors.New("session cannot be nil")
		return b
	}
	b.session = session
	return b
}

// WithBus provides the transport that carries transcript changes to the UI.
// If not provided, an in-memory bus is created and closed by the runner.
func (b *ChatBuilder) WithBus(bus *redisstream.Bus) *ChatBuilder {
	if b.err != nil {
		return b
	}
	b.bus = bus
	return b
}

// WithPrompt sets the first message for blocking and interactive modes.
func (b *ChatBuilder) WithPrompt(prompt string) *ChatBuilder {
	if b.err != nil {
		return b
	}
	b.prompt = prompt
	return b
}

// WithRenderer renders agent replies as markdown.
func (b *ChatBuilder) WithRenderer(r *ui.Renderer) *ChatBuilder {
	if b.err != nil {
		return b
	}
	b.renderer = r
	return b
}

// WithProgramOptions adds options for configuring the bubbletea program.
func (b *ChatBuilder) WithProgramOptions(opts ...tea.ProgramOption) *ChatBuilder {
	if b.err != nil {
		return b
	}
	b.programOptions = append(b.programOptions, opts...)
	return b
}

// WithInline drops the alternate screen so the UI renders in place.
func (b *ChatBuilder) WithInline() *ChatBuilder {
	if b.err != nil {
		return b
	}
	b.programOptions = []tea.ProgramOption{tea.WithMouseCellMotion()}
	return b
}

// WithMode sets the execution mode (chat, interactive, blocking).
func (b *ChatBuilder) WithMode(mode RunMode) *ChatBuilder {
	if b.err != nil {
		return b
	}
	switch mode {
	case RunModeChat, RunModeInteractive, RunModeBlocking:
		b.mode = mode
	default:
		b.err = errors.Errorf("invalid run mode: %s", mode)
	}
	return b
}

// WithOutputWriter sets the writer for blocking or interactive modes.
// Defaults to os.Stdout.
func (b *ChatBuilder) WithOutputWriter(w io.Writer) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if w == nil {
		b.err = errors.New("output writer cannot be nil")
		return b
	}
	b.outputWriter = w
	return b
}

// Build validates the builder configuration and returns a Runner.
func (b *ChatBuilder) Build() (*Runner, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.session == nil {
		return nil, errors.New("session is required (use WithSession)")
	}
	if b.mode == "" {
		return nil, errors.New("run mode is required (use WithMode)")
	}
	if (b.mode == RunModeBlocking || b.mode == RunModeInteractive) && strings.TrimSpace(b.prompt) == "" {
		return nil, errors.New("a prompt is required for blocking or interactive mode (use WithPrompt)")
	}

	return &Runner{
		ctx:            b.ctx,
		session:        b.session,
		bus:            b.bus,
		prompt:         b.prompt,
		renderer:       b.renderer,
		programOptions: b.programOptions,
		mode:           b.mode,
		outputWriter:   b.outputWriter,
	}, nil
}

// askForChatContinuation prompts the user on the given terminal whether they
// want to continue in chat mode.
func askForChatContinuation(tty io.ReadWriter) (bool, error) {
	prompt := &input.UI{
		Writer: tty,
		Reader: tty,
	}

	_, _ = fmt.Fprint(tty, "\n")
	query := "Do you want to continue in chat mode? [Y/n]"
	answer, err := prompt.Ask(query, &input.Options{
		Default:  "y",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}

	_, _ = fmt.Fprint(tty, "\n")

	return answer == "y" || answer == "Y" || answer == "", nil
}
