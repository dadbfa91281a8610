package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/catalog"
	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/metrics"
	"github.com/Ananth-NQI/wabot/internal/models"
	"github.com/Ananth-NQI/wabot/internal/storage"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message too long")
)

// InboundMedia is an attachment already copied into the media store.
type InboundMedia struct {
	Ref      string
	Kind     models.MessageKind
	MimeType string
	Filename string
}

// Inbound is one deduplicated user event.
type Inbound struct {
	EventID  string
	From     string
	Text     string
	ButtonID string
	Media    *InboundMedia
}

// content converts the event into a conversation log entry.
func (in Inbound) content() models.MessageContent {
	if in.Media == nil {
		return models.TextContent{Body: in.Text}
	}
	m := in.Media
	switch m.Kind {
	case models.KindImage:
		return models.ImageContent{MediaRef: m.Ref, MimeType: m.MimeType, Caption: in.Text}
	case models.KindDocument:
		return models.DocumentContent{MediaRef: m.Ref, MimeType: m.MimeType, Filename: m.Filename, Caption: in.Text}
	case models.KindAudio:
		return models.AudioContent{MediaRef: m.Ref, MimeType: m.MimeType}
	default:
		desc := "unsupported attachment"
		if m.MimeType != "" {
			desc = "unsupported attachment: " + m.MimeType
		}
		return models.UnsupportedContent{Description: desc}
	}
}

// input is the normalized view handlers work with.
type input struct {
	raw      string
	norm     string
	buttonID string
	media    *InboundMedia
}

func newInput(in Inbound) input {
	raw := strings.TrimSpace(in.Text)
	return input{
		raw:      raw,
		norm:     strings.ToLower(raw),
		buttonID: strings.TrimSpace(in.ButtonID),
		media:    in.Media,
	}
}

func (in input) number() (int, bool) {
	n, err := strconv.Atoi(in.raw)
	return n, err == nil
}

func (in input) isKeyword(words ...string) bool {
	for _, w := range words {
		if in.norm == w || in.buttonID == w {
			return true
		}
	}
	return false
}

// EngineConfig carries flow settings.
type EngineConfig struct {
	OperatorPhone     string
	InactivityTimeout time.Duration
	Hours             BusinessHours
	ProductsPerPage   int
	StoreName         string
	StoreInfo         string
	DefaultPromo      string
}

// Engine runs the per-user conversation state machine.
type Engine struct {
	cfg           EngineConfig
	sessions      *SessionManager
	advisors      *AdvisorRegistry
	conversations *ConversationStore
	sender        Sender
	catalog       catalog.Catalog
	settings      storage.Store
	clock         clock.Clock
	metrics       *metrics.Metrics
	logger        *zap.Logger
	locks         *KeyedMutex
}

// EngineDeps groups the collaborators of the engine.
type EngineDeps struct {
	Sessions      *SessionManager
	Advisors      *AdvisorRegistry
	Conversations *ConversationStore
	Sender        Sender
	Catalog       catalog.Catalog
	Settings      storage.Store
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 7 * time.Minute
	}
	if cfg.ProductsPerPage <= 0 || cfg.ProductsPerPage > models.MaxListRows-1 {
		cfg.ProductsPerPage = 8
	}
	if cfg.StoreName == "" {
		cfg.StoreName = "our store"
	}
	locks := NewKeyedMutex()
	if deps.Sessions != nil {
		deps.Sessions.lockKey = locks.Lock
	}
	return &Engine{
		cfg:           cfg,
		sessions:      deps.Sessions,
		advisors:      deps.Advisors,
		conversations: deps.Conversations,
		sender:        deps.Sender,
		catalog:       deps.Catalog,
		settings:      deps.Settings,
		clock:         deps.Clock,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		locks:         locks,
	}
}

// Sessions exposes the session manager for the prune job.
func (e *Engine) Sessions() *SessionManager { return e.sessions }

// Advisors exposes the escalation registry for the operator API.
func (e *Engine) Advisors() *AdvisorRegistry { return e.advisors }

func (e *Engine) isOperator(phone string) bool {
	return e.cfg.OperatorPhone != "" && phone == e.cfg.OperatorPhone
}

// HandleInput processes one inbound event. At most one event per user is
// processed at a time. Failures inside a transition are logged, answered
// with an apology and reset the session; they are never returned.
func (e *Engine) HandleInput(ctx context.Context, in Inbound) error {
	if in.From == "" {
		return fmt.Errorf("inbound event %q without sender", in.EventID)
	}

	unlock := e.locks.Lock(in.From)
	defer unlock()

	s, created := e.sessions.GetOrCreate(in.From)
	if created {
		e.logger.Debug("session created", zap.String("phone", in.From))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("flow panic",
					zap.Any("panic", r),
					zap.String("phone", in.From),
					zap.String("state", s.State.String()),
					zap.ByteString("stack", debug.Stack()))
				e.recoverSession(ctx, s)
			}
		}()

		if !e.isOperator(in.From) {
			e.logInbound(ctx, in)
		}
		if err := e.process(ctx, s, newInput(in)); err != nil {
			e.logger.Error("flow transition failed",
				zap.Error(err),
				zap.String("phone", in.From),
				zap.String("state", s.State.String()))
			e.recoverSession(ctx, s)
		}
	}()

	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(s.State.String()).Inc()
	}
	return nil
}

func (e *Engine) logInbound(ctx context.Context, in Inbound) {
	msg := models.Message{Sender: models.SenderClient, Content: in.content()}
	if _, err := e.conversations.Append(ctx, in.From, msg); err != nil {
		e.logger.Warn("log inbound message", zap.Error(err), zap.String("phone", in.From))
	}
}

func (e *Engine) process(ctx context.Context, s *Session, in input) error {
	now := e.clock.Now()
	phone := s.Phone

	// operator commands and sub-states
	if e.isOperator(phone) {
		if handled, err := e.handleOperator(ctx, s, in); handled || err != nil {
			return err
		}
	}

	// silent expiry of a stale escalation
	if e.advisors.ExpireStale(phone) {
		e.conversations.SetWithAdvisor(phone, false)
		s.reset(now)
	}

	escalated := e.advisors.IsEscalated(phone)
	if escalated != (s.State == StateWithAdvisor) {
		e.logger.Warn("session and escalation disagree, resetting",
			zap.String("phone", phone),
			zap.String("state", s.State.String()),
			zap.Bool("escalated", escalated))
		if escalated {
			e.advisors.Stop(phone)
		}
		// the registry may already have expired the escalation lazily
		e.conversations.SetWithAdvisor(phone, false)
		s.reset(now)
		escalated = false
	}

	if escalated {
		if in.isKeyword("menu", "exit") {
			e.advisors.Stop(phone)
			e.conversations.SetWithAdvisor(phone, false)
			e.notifyOperator(ctx, fmt.Sprintf("ℹ️ %s returned to the bot menu and closed the advisor conversation.", phone))
			return e.showMainMenu(ctx, s, "👋 You left the advisor chat.")
		}
		s.LastActivity = now
		e.forwardToOperator(ctx, phone, in)
		return e.reply(ctx, phone, models.TextMessage(
			"👤 An advisor will respond to you shortly. Type *menu* to go back to the main menu."))
	}

	if s.IsExpired(now, e.cfg.InactivityTimeout) {
		e.logger.Info("session expired by inactivity",
			zap.String("phone", phone),
			zap.String("state", s.State.String()),
			zap.Duration("idle", now.Sub(s.LastActivity)))
		return e.showMainMenu(ctx, s, "⏱️ Your previous session expired due to inactivity. Let's start again.")
	}

	s.LastActivity = now
	if s.State.hasOptions() && len(s.Context.Options) == 0 {
		e.logger.Warn("list state without options, resetting", zap.String("phone", phone), zap.String("state", s.State.String()))
		return e.showMainMenu(ctx, s, "")
	}
	return stateHandlers[s.State](e, ctx, s, in)
}

// reply logs a bot message in the user's conversation and sends it.
func (e *Engine) reply(ctx context.Context, phone string, out models.Outbound) error {
	return e.send(ctx, phone, out, models.SenderBot, PriorityFlow)
}

func (e *Engine) send(ctx context.Context, phone string, out models.Outbound, author models.Sender, priority int) error {
	if !e.isOperator(phone) {
		msg := models.Message{Sender: author, Content: out.AsMessage()}
		if _, err := e.conversations.Append(ctx, phone, msg); err != nil {
			e.logger.Warn("log outbound message", zap.Error(err), zap.String("phone", phone))
		}
	}
	if err := e.sender.Send(ctx, phone, out, priority); err != nil {
		return fmt.Errorf("send to %s: %w", phone, err)
	}
	return nil
}

func (e *Engine) notifyOperator(ctx context.Context, text string) {
	if e.cfg.OperatorPhone == "" {
		return
	}
	if err := e.sender.Send(ctx, e.cfg.OperatorPhone, models.TextMessage(truncate(text, models.MaxTextLength)), PriorityNotice); err != nil {
		e.logger.Warn("notify operator", zap.Error(err))
	}
}

func (e *Engine) forwardToOperator(ctx context.Context, phone string, in input) {
	body := in.raw
	if in.media != nil {
		body = strings.TrimSpace("[" + string(in.media.Kind) + "] " + body)
	}
	if body == "" {
		return
	}
	e.notifyOperator(ctx, fmt.Sprintf("💬 %s:\n%s", phone, body))
}

// recoverSession forces MAIN_MENU after an unexpected failure.
func (e *Engine) recoverSession(ctx context.Context, s *Session) {
	s.reset(e.clock.Now())
	out := models.TextMessage("😔 Sorry, something went wrong on our side. Let's start again from the main menu.")
	if err := e.sender.Send(ctx, s.Phone, out, PriorityFlow); err != nil {
		e.logger.Error("send apology", zap.Error(err), zap.String("phone", s.Phone))
	}
}

// escalate bridges the user to the operator with query as the opening text.
func (e *Engine) escalate(ctx context.Context, s *Session, query string) error {
	now := e.clock.Now()
	if !e.cfg.Hours.IsOpen(now) {
		s.reset(now)
		return e.reply(ctx, s.Phone, models.TextMessage(e.cfg.Hours.Notice()))
	}

	e.advisors.Start(s.Phone, query)
	e.conversations.SetWithAdvisor(s.Phone, true)
	s.State = StateWithAdvisor
	s.Context = FlowContext{}

	e.notifyOperator(ctx, fmt.Sprintf("🔔 New advisor request from %s:\n\n%s\n\nSend /close when you are done.", s.Phone, query))
	return e.reply(ctx, s.Phone, models.TextMessage(
		"✅ Thanks! An advisor will join this chat shortly.\n\nType *menu* at any time to go back to the bot."))
}

// Operator side

func (e *Engine) handleOperator(ctx context.Context, s *Session, in input) (bool, error) {
	switch s.State {
	case StateSelectingClientToFinalize:
		options := s.Context.Options
		// leave the sub-state before evaluating anything
		s.reset(e.clock.Now())
		if opt, ok := pickOption(in, options); ok {
			return true, e.closeEscalation(ctx, strings.TrimPrefix(opt.ID, finalizePrefix), s.Phone)
		}
		if !strings.HasPrefix(in.raw, "/") && !strings.HasPrefix(in.buttonID, finalizePrefix) {
			return true, e.reply(ctx, s.Phone, models.TextMessage("❌ Invalid selection. Send /close to list the open conversations again."))
		}

	case StateUpdatingPromo:
		if in.norm == "/cancel" {
			s.reset(e.clock.Now())
			return true, e.reply(ctx, s.Phone, models.TextMessage("Promo unchanged."))
		}
		if !strings.HasPrefix(in.raw, "/") {
			return true, e.updatePromo(ctx, s, in)
		}
		s.reset(e.clock.Now())
	}

	if phone, ok := strings.CutPrefix(in.buttonID, finalizePrefix); ok {
		return true, e.closeEscalation(ctx, phone, s.Phone)
	}
	if phone, ok := strings.CutPrefix(in.norm, finalizePrefix); ok {
		return true, e.closeEscalation(ctx, phone, s.Phone)
	}

	cmd, arg, _ := strings.Cut(in.raw, " ")
	switch strings.ToLower(cmd) {
	case "/close":
		if arg = strings.TrimSpace(arg); arg != "" {
			return true, e.closeByMatch(ctx, s, arg)
		}
		return true, e.promptClose(ctx, s)
	case "/promo":
		s.reset(e.clock.Now())
		s.State = StateUpdatingPromo
		current := e.currentPromo(ctx)
		if current == "" {
			current = "(none)"
		}
		return true, e.reply(ctx, s.Phone, models.TextMessage(fmt.Sprintf(
			"📝 Current promo:\n\n%s\n\nSend the new promo text (max %d characters) or /cancel.", current, models.MaxPromoLength)))
	case "/clients":
		return true, e.listClients(ctx, s)
	case "/help":
		return true, e.reply(ctx, s.Phone, models.TextMessage(
			"Operator commands:\n/close - finish an advisor conversation\n/close <phone> - finish a specific one\n/clients - list open conversations\n/promo - edit the promo text"))
	}
	return false, nil
}

func (e *Engine) updatePromo(ctx context.Context, s *Session, in input) error {
	err := e.SetPromo(ctx, in.raw)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return e.reply(ctx, s.Phone, models.TextMessage("❌ The promo text cannot be empty. Send the new text or /cancel."))
	case errors.Is(err, ErrMessageTooLong):
		return e.reply(ctx, s.Phone, models.TextMessage(fmt.Sprintf(
			"❌ The promo is too long (%d/%d characters). Send a shorter text or /cancel.", len([]rune(in.raw)), models.MaxPromoLength)))
	case err != nil:
		return err
	}
	s.reset(e.clock.Now())
	return e.reply(ctx, s.Phone, models.TextMessage("✅ Promo updated."))
}

// SetPromo replaces the promotional text shown in the info menu.
func (e *Engine) SetPromo(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if n := len([]rune(text)); n > models.MaxPromoLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, models.MaxPromoLength)
	}
	if err := e.settings.PutSetting(ctx, models.SettingPromo, text); err != nil {
		return fmt.Errorf("save promo: %w", err)
	}
	e.logger.Info("promo updated", zap.Int("length", len([]rune(text))))
	return nil
}

// Promo returns the stored promo, or the configured default.
func (e *Engine) Promo(ctx context.Context) string { return e.currentPromo(ctx) }

func (e *Engine) currentPromo(ctx context.Context) string {
	promo, err := e.settings.GetSetting(ctx, models.SettingPromo)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("load promo", zap.Error(err))
		}
		return e.cfg.DefaultPromo
	}
	return promo
}

const finalizePrefix = "finalize:"

// promptClose implements the close disambiguation: nothing to close, close
// the only one, or offer buttons, a list or a numbered menu. The offered rows
// stay in the operator's session so a typed number or title resolves against
// them when the channel renders interactive messages as text.
func (e *Engine) promptClose(ctx context.Context, s *Session) error {
	active := e.advisors.ListActive()
	now := e.clock.Now()

	n := len(active)
	if n == 0 {
		return e.reply(ctx, s.Phone, models.TextMessage("ℹ️ There are no active advisor conversations."))
	}
	if n == 1 {
		return e.closeEscalation(ctx, active[0].Phone, s.Phone)
	}

	rows := make([]models.ListRow, 0, n)
	for _, esc := range active {
		rows = append(rows, models.ListRow{
			ID:          finalizePrefix + esc.Phone,
			Title:       escalationLabel(esc, now),
			Description: truncate(esc.InitialQuery, 72),
		})
	}
	s.State = StateSelectingClientToFinalize
	s.Context = FlowContext{Options: rows}

	const question = "Which conversation do you want to close?"
	switch {
	case n <= models.MaxButtons:
		buttons := make([]models.Button, 0, n)
		for _, r := range rows {
			buttons = append(buttons, models.Button{ID: r.ID, Title: r.Title})
		}
		return e.reply(ctx, s.Phone, models.ButtonsMessage(question, buttons...))
	case n <= models.MaxListRows:
		return e.reply(ctx, s.Phone, models.ListMessage(question, "Conversations",
			models.ListSection{Title: "Open conversations", Rows: rows}))
	default:
		var b strings.Builder
		b.WriteString(question + " Reply with its number:\n")
		for i, esc := range active {
			fmt.Fprintf(&b, "\n%d. %s (%s) %s", i+1, esc.Phone, elapsed(now.Sub(esc.StartTime)), truncate(esc.InitialQuery, 40))
		}
		return e.reply(ctx, s.Phone, models.TextMessage(truncate(b.String(), models.MaxTextLength)))
	}
}

// closeByMatch closes the single escalation whose phone ends with suffix.
func (e *Engine) closeByMatch(ctx context.Context, s *Session, suffix string) error {
	var matches []string
	for _, esc := range e.advisors.ListActive() {
		if strings.HasSuffix(esc.Phone, suffix) {
			matches = append(matches, esc.Phone)
		}
	}
	switch len(matches) {
	case 0:
		return e.reply(ctx, s.Phone, models.TextMessage(fmt.Sprintf("ℹ️ No active conversation matches %s.", suffix)))
	case 1:
		return e.closeEscalation(ctx, matches[0], s.Phone)
	default:
		return e.reply(ctx, s.Phone, models.TextMessage(fmt.Sprintf(
			"ℹ️ %d conversations match %s. Use more digits or send /close.", len(matches), suffix)))
	}
}

func (e *Engine) listClients(ctx context.Context, s *Session) error {
	active := e.advisors.ListActive()
	if len(active) == 0 {
		return e.reply(ctx, s.Phone, models.TextMessage("ℹ️ There are no active advisor conversations."))
	}
	now := e.clock.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "👥 %d open conversation(s):\n", len(active))
	for i, esc := range active {
		fmt.Fprintf(&b, "\n%d. %s, %s ago\n   %s", i+1, esc.Phone, elapsed(now.Sub(esc.StartTime)), truncate(esc.InitialQuery, 60))
	}
	return e.reply(ctx, s.Phone, models.TextMessage(truncate(b.String(), models.MaxTextLength)))
}

// closeEscalation ends the escalation of phone. heldKey is the lock the
// caller already holds, if any.
func (e *Engine) closeEscalation(ctx context.Context, phone, heldKey string) error {
	if !e.advisors.Stop(phone) {
		if heldKey != "" {
			return e.reply(ctx, heldKey, models.TextMessage(fmt.Sprintf("ℹ️ %s has no active advisor conversation.", phone)))
		}
		return nil
	}

	if phone != heldKey {
		unlock := e.locks.Lock(phone)
		defer unlock()
	}
	e.conversations.SetWithAdvisor(phone, false)
	user, _ := e.sessions.GetOrCreate(phone)

	if err := e.showMainMenu(ctx, user, "✅ Your conversation with our advisor has ended. Thank you for contacting us!"); err != nil {
		e.logger.Warn("notify closed escalation", zap.Error(err), zap.String("phone", phone))
	}
	if heldKey != "" && heldKey != phone {
		return e.reply(ctx, heldKey, models.TextMessage(fmt.Sprintf("✅ Closed the conversation with %s.", phone)))
	}
	return nil
}

// CloseEscalation ends an escalation from the operator API. It reports
// whether one was active.
func (e *Engine) CloseEscalation(ctx context.Context, phone string) (bool, error) {
	if _, ok := e.advisors.Get(phone); !ok {
		return false, nil
	}
	return true, e.closeEscalation(ctx, phone, "")
}

// OperatorReply sends an operator-authored message to phone.
func (e *Engine) OperatorReply(ctx context.Context, phone, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if n := len([]rune(text)); n > models.MaxTextLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, models.MaxTextLength)
	}

	unlock := e.locks.Lock(phone)
	defer unlock()

	if e.advisors.TouchOperator(phone) {
		e.sessions.Touch(phone)
	}
	return e.send(ctx, phone, models.TextMessage(text), models.SenderAdvisor, PriorityOperator)
}

func escalationLabel(esc Escalation, now time.Time) string {
	tail := esc.Phone
	if len(tail) > 4 {
		tail = "…" + tail[len(tail)-4:]
	}
	return truncate(fmt.Sprintf("%s · %s", tail, elapsed(now.Sub(esc.StartTime))), models.MaxButtonTitle)
}

func elapsed(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
