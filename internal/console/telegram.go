package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/model"
)

// Telegram mirrors hub activity into a forum supergroup. Each mission gets
// its own topic; approval prompts carry an inline keyboard whose callbacks
// feed Ops.Resolve.
type Telegram struct {
	bot          *telego.Bot
	supergroupID int64
	allowedUsers map[int64]bool
	ops          Ops

	mu       sync.Mutex
	topics   map[string]int    // mission id -> topic thread id
	missions map[int]string    // topic thread id -> mission id
	prompts  map[string]string // mission id -> pending prompt label
}

// NewTelegram connects the bot. Ops is wired by the hub before Run.
func NewTelegram(cfg config.TelegramConfig, ops Ops) (*Telegram, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Telegram{
		bot:          bot,
		supergroupID: cfg.SupergroupID,
		allowedUsers: allowed,
		ops:          ops,
		topics:       make(map[string]int),
		missions:     make(map[int]string),
		prompts:      make(map[string]string),
	}, nil
}

// Run long-polls for updates until ctx is done.
func (t *Telegram) Run(ctx context.Context) error {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("console.connected", "username", t.bot.Username())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.CallbackQuery != nil:
				t.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil:
				t.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (t *Telegram) authorized(user *telego.User) bool {
	return user != nil && t.allowedUsers[user.ID]
}

// topicFor returns the mission's topic, creating it lazily. The title is
// derived from the mission's first visible line.
func (t *Telegram) topicFor(ctx context.Context, missionID, title string) (int, error) {
	t.mu.Lock()
	if id, ok := t.topics[missionID]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	topic, err := t.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(t.supergroupID),
		Name:   truncateCells(title, 60),
	})
	if err != nil {
		return 0, fmt.Errorf("create forum topic: %w", err)
	}

	t.mu.Lock()
	t.topics[missionID] = topic.MessageThreadID
	t.missions[topic.MessageThreadID] = missionID
	t.mu.Unlock()
	return topic.MessageThreadID, nil
}

func (t *Telegram) send(ctx context.Context, threadID int, text string) error {
	msg := tu.Message(tu.ID(t.supergroupID), text)
	if threadID > 0 {
		msg.MessageThreadID = threadID
	}
	_, err := t.bot.SendMessage(ctx, msg)
	return err
}

// AnnounceJoin posts the join request with approve/deny buttons.
func (t *Telegram) AnnounceJoin(ctx context.Context, join model.PendingJoin) {
	text := fmt.Sprintf("🖥 Machine wants to join\n\nID: %s\nName: %s\nOverlay IP: %s",
		join.MachineID, join.DisplayName, join.OverlayIP)
	msg := tu.Message(tu.ID(t.supergroupID), text)
	msg.ReplyMarkup = tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Approve").WithCallbackData("join:"+join.MachineID+":approve"),
			tu.InlineKeyboardButton("❌ Deny").WithCallbackData("join:"+join.MachineID+":deny"),
		),
	)
	if _, err := t.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("console.announce_failed", "machine", join.MachineID, "error", err)
	}
}

// RequestApproval posts the approval keyboard into the mission's topic.
func (t *Telegram) RequestApproval(ctx context.Context, missionID string, msg model.Message, label string) error {
	threadID, err := t.topicFor(ctx, missionID, msg.ToAgent+": "+msg.Payload.Text())
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.prompts[missionID] = label
	t.mu.Unlock()

	text := fmt.Sprintf("🔔 Approval required\n\nFrom: %s\nTo: %s\nType: %s\n\n%s",
		msg.FromAgent, msg.ToAgent, msg.Type, truncateCells(msg.Payload.Text(), 500))
	if label != "" {
		text += "\n\nRule: " + label
	}
	prompt := tu.Message(tu.ID(t.supergroupID), text)
	prompt.MessageThreadID = threadID
	prefix := "approve:" + missionID + ":"
	prompt.ReplyMarkup = tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Once").WithCallbackData(prefix+"once"),
			tu.InlineKeyboardButton("✅ This mission").WithCallbackData(prefix+"mission"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ This pair").WithCallbackData(prefix+"session"),
			tu.InlineKeyboardButton("✅ Always").WithCallbackData(prefix+"always"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("❌ Deny").WithCallbackData(prefix+"deny"),
		),
	)
	_, err = t.bot.SendMessage(ctx, prompt)
	return err
}

// PostToMission appends a formatted line to the mission's topic.
func (t *Telegram) PostToMission(ctx context.Context, missionID, fromAgent, text string) error {
	threadID, err := t.topicFor(ctx, missionID, fromAgent+": "+text)
	if err != nil {
		return err
	}
	return t.send(ctx, threadID, formatAgentLine(fromAgent, text))
}

// NotifyFeedback posts a progress line into the mission's topic. Missing
// topics are not created for feedback alone.
func (t *Telegram) NotifyFeedback(ctx context.Context, missionID string, item model.FeedbackItem) {
	t.mu.Lock()
	threadID, ok := t.topics[missionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.send(ctx, threadID, formatFeedbackLine(item)); err != nil {
		slog.Debug("console.feedback_failed", "mission", missionID, "error", err)
	}
}

// Note posts a line into the supergroup's general topic.
func (t *Telegram) Note(ctx context.Context, text string) {
	if err := t.send(ctx, 0, text); err != nil {
		slog.Debug("console.note_failed", "error", err)
	}
}

// handleCallback processes inline keyboard presses: approval decisions
// and join verdicts.
func (t *Telegram) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	answer := func(text string) {
		err := t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: query.ID,
			Text:            text,
		})
		if err != nil {
			slog.Debug("console.callback_answer_failed", "error", err)
		}
	}
	if !t.authorized(&query.From) {
		answer("Unauthorized")
		return
	}

	parts := strings.SplitN(query.Data, ":", 3)
	if len(parts) != 3 {
		answer("")
		return
	}
	switch parts[0] {
	case "approve":
		missionID, choice := parts[1], parts[2]
		t.mu.Lock()
		delete(t.prompts, missionID)
		t.mu.Unlock()

		scope := map[string]string{
			"once":    "once",
			"mission": "mission",
			"session": "session",
			"always":  "always_allow",
		}[choice]
		approved := choice != "deny"
		if t.ops.Resolve(missionID, approved, scope) {
			answer("Recorded")
		} else {
			answer("Too late, the request already timed out")
		}

	case "join":
		machineID, verdict := parts[1], parts[2]
		var err error
		if verdict == "approve" {
			err = t.ops.ApproveMachine(ctx, machineID)
		} else {
			err = t.ops.DenyMachine(ctx, machineID)
		}
		if err != nil {
			answer("Failed: " + err.Error())
			return
		}
		answer("Done")
		t.Note(ctx, fmt.Sprintf("Machine %s %sd", machineID, verdict))
	default:
		answer("")
	}
}

// handleMessage processes operator commands and topic interventions.
func (t *Telegram) handleMessage(ctx context.Context, msg *telego.Message) {
	if !t.authorized(msg.From) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, msg, text)
		return
	}

	// Plain text inside a mission topic is operator intervention.
	if msg.MessageThreadID > 0 {
		t.mu.Lock()
		missionID, ok := t.missions[msg.MessageThreadID]
		t.mu.Unlock()
		if !ok {
			return
		}
		if err := t.ops.HumanReply(ctx, missionID, text); err != nil {
			t.send(ctx, msg.MessageThreadID, "⚠️ Could not deliver: "+err.Error())
		}
	}
}

func (t *Telegram) handleCommand(ctx context.Context, msg *telego.Message, text string) {
	fields := strings.SplitN(text, " ", 2)
	cmd := strings.SplitN(fields[0], "@", 2)[0]
	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	reply := func(s string) { t.send(ctx, msg.MessageThreadID, s) }

	switch strings.ToLower(cmd) {
	case "/agents":
		agents, err := t.ops.Agents(ctx)
		if err != nil {
			reply("Failed to list agents: " + err.Error())
			return
		}
		if len(agents) == 0 {
			reply("No agents registered.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Agents:\n")
		for _, a := range agents {
			marker := "⚪"
			if a.Status == "online" {
				marker = "🟢"
			}
			sb.WriteString(fmt.Sprintf("%s %s/%s", marker, a.MachineID, a.ProjectID))
			if a.Session != nil {
				sb.WriteString(fmt.Sprintf(" [%s]", a.Session.Status))
			}
			if a.Description != "" {
				sb.WriteString(" · " + truncateCells(a.Description, 60))
			}
			sb.WriteString("\n")
		}
		reply(sb.String())

	case "/machines":
		machines, err := t.ops.Machines(ctx)
		if err != nil {
			reply("Failed to list machines: " + err.Error())
			return
		}
		if len(machines) == 0 {
			reply("No machines registered.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Machines:\n")
		for _, m := range machines {
			line := fmt.Sprintf("%s (%s) %s", m.ID, m.Status, m.OverlayIP)
			if m.LastSeen != nil {
				line += " last seen " + m.LastSeen.Format("15:04:05")
			}
			sb.WriteString(line + "\n")
		}
		reply(sb.String())

	case "/pending":
		joins, err := t.ops.PendingJoins(ctx)
		if err != nil {
			reply("Failed to list pending joins: " + err.Error())
			return
		}
		if len(joins) == 0 {
			reply("No pending join requests.")
			return
		}
		for _, j := range joins {
			t.AnnounceJoin(ctx, j)
		}

	case "/revoke":
		if args == "" {
			reply("Usage: /revoke <machine_id>")
			return
		}
		if err := t.ops.RevokeMachine(ctx, args); err != nil {
			reply(fmt.Sprintf("Failed to revoke %s: %v", args, err))
			return
		}
		reply(fmt.Sprintf("🚫 %s revoked. Its token is no longer valid.", args))

	case "/start_agent":
		machine, project, missionText, err := parseStartCommand(args)
		if err != nil {
			reply(err.Error())
			return
		}
		missionID, err := t.ops.StartAgent(ctx, machine, project, missionText)
		if err != nil {
			reply(fmt.Sprintf("Failed to start %s/%s: %v", machine, project, err))
			return
		}
		reply(fmt.Sprintf("Mission %s started on %s/%s", missionID, machine, project))

	case "/help":
		reply("Commands:\n" +
			"/agents — list agents and their sessions\n" +
			"/machines — list registered machines\n" +
			"/pending — re-post pending join requests\n" +
			"/revoke machine_id — invalidate a machine's token\n" +
			"/start_agent machine/project [\"mission\"] — launch an agent\n" +
			"Reply inside a mission topic to message its agent.")
	}
}
