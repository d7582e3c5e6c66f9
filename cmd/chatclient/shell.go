package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/morezero/chatcore/pkg/client"
)

type command struct {
	args string
	help string
	run  func(ctx context.Context, sh *shell, args []string) error
	// min is the number of required arguments.
	min int
}

var commands = map[string]command{
	"register": {"<user> <email> <password>", "create an account", cmdRegister, 3},
	"login":    {"<user> [password]", "start a session (prompts for the password on a terminal)", cmdLogin, 1},
	"logout":   {"", "end the session and disconnect", cmdLogout, 0},
	"ping":     {"", "check the connection", cmdPing, 0},
	"users":    {"", "list every user", cmdUsers, 0},
	"online":   {"", "list connected users", cmdOnline, 0},
	"groups":   {"", "list your groups", cmdGroups, 0},
	"group":    {"<name> <description...> [-- user...]", "create a group, optionally inviting users", cmdGroup, 2},
	"invite":   {"<groupId> <user...>", "invite users to a group", cmdInvite, 2},
	"pending":  {"", "list pending invitations", cmdPending, 0},
	"accept":   {"<invitationId> <groupId>", "accept an invitation", cmdAccept, 2},
	"reject":   {"<invitationId>", "reject an invitation", cmdReject, 1},
	"members":  {"<groupId>", "list group members", cmdMembers, 1},
	"leave":    {"<groupId>", "leave a group", cmdLeave, 1},
	"msg":      {"<user> <text...>", "send a private message", cmdMsg, 2},
	"gmsg":     {"<groupId> <text...>", "send a group message", cmdGroupMsg, 2},
	"audio":    {"<user> <file> [seconds]", "send an audio file privately", cmdAudio, 2},
	"gaudio":   {"<groupId> <file> [seconds]", "send an audio file to a group", cmdGroupAudio, 2},
	"history":  {"<user> [limit]", "show the conversation with a user", cmdHistory, 1},
	"ghistory": {"<groupId> [limit]", "show a group's messages", cmdGroupHistory, 1},
}

// shell runs slash commands against a Service and prints pushed events.
type shell struct {
	svc *client.Service

	// askPassword reads a password without echo; nil means it must be typed inline.
	askPassword func(prompt string) (string, error)

	mu  sync.Mutex
	out io.Writer
}

func newShell(svc *client.Service, out io.Writer) *shell {
	return &shell{svc: svc, out: out}
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// exec runs one input line. quit is true for /quit and after /logout.
func (sh *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		sh.printHelp()
		return false, nil
	}
	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q, try /help", fields[0])
	}
	if len(args) < cmd.min {
		return false, fmt.Errorf("usage: /%s %s", name, cmd.args)
	}
	if err := cmd.run(ctx, sh, args); err != nil {
		return false, err
	}
	return name == "logout", nil
}

func (sh *shell) printHelp() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	sh.printf("Commands:\n")
	for _, name := range names {
		c := commands[name]
		sh.printf("  /%-9s %-36s %s\n", name, c.args, c.help)
	}
	sh.printf("  /%-9s %-36s %s\n", "quit", "", "leave the client")
}

// onEvent prints a pushed event. It runs on the adapter's reader goroutine.
func (sh *shell) onEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventPrivateMessage:
		sh.printf("[%s] %s\n", ev.Sender, ev.Content)
	case client.EventGroupMessage:
		sh.printf("[#%d %s] %s\n", ev.ChannelID, ev.Sender, ev.Content)
	case client.EventPrivateAudio:
		sh.printf("[%s] audio %s, %ds, %d bytes\n", ev.Sender, ev.AudioFormat, ev.DurationSeconds, len(ev.Audio))
	case client.EventGroupAudio:
		sh.printf("[#%d %s] audio %s, %ds, %d bytes\n", ev.ChannelID, ev.Sender, ev.AudioFormat, ev.DurationSeconds, len(ev.Audio))
	case client.EventInviteReceived:
		inv := ev.Invitation
		sh.printf("* %s invited you to %s (invitation %d, group %d)\n", inv.InviterUsername, inv.ChannelName, inv.ID, inv.ChannelID)
	case client.EventPresenceChanged:
		sh.printf("* presence changed, /online to refresh\n")
	case client.EventServerBroadcast:
		sh.printf("** SERVER: %s\n", ev.Text)
	case client.EventChannelBroadcast:
		sh.printf("** SERVER to #%d %s: %s\n", ev.ChannelID, ev.ChannelName, ev.Text)
	case client.EventForcedDisconnect:
		sh.printf("** disconnected: %s\n", ev.Text)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func optLimit(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", args[i])
	}
	return n, nil
}

func cmdRegister(ctx context.Context, sh *shell, a []string) error {
	id, err := sh.svc.Register(ctx, client.RegisterParams{Username: a[0], Email: a[1], Password: a[2]})
	if err != nil {
		return err
	}
	sh.printf("registered %s (id %d)\n", a[0], id)
	return nil
}

func cmdLogin(ctx context.Context, sh *shell, a []string) error {
	var password string
	switch {
	case len(a) > 1:
		password = a[1]
	case sh.askPassword != nil:
		p, err := sh.askPassword("password for " + a[0] + ": ")
		if err != nil {
			return err
		}
		password = p
	default:
		return errors.New("usage: /login <user> <password>")
	}
	res, err := sh.svc.Login(ctx, a[0], password)
	if err != nil {
		return err
	}
	sh.printf("logged in as %s (id %d)\n", res.Username, res.UserID)
	return nil
}

func cmdLogout(ctx context.Context, sh *shell, _ []string) error {
	if err := sh.svc.Logout(ctx); err != nil {
		return err
	}
	sh.printf("bye\n")
	return nil
}

func cmdPing(ctx context.Context, sh *shell, _ []string) error {
	start := time.Now()
	serverTime, err := sh.svc.Ping(ctx)
	if err != nil {
		return err
	}
	sh.printf("pong in %s (server time %s)\n", time.Since(start).Round(time.Millisecond), serverTime.Format(time.RFC3339))
	return nil
}

func (sh *shell) printUsers(users []client.User) {
	if len(users) == 0 {
		sh.printf("(none)\n")
		return
	}
	for _, u := range users {
		state := "offline"
		if u.Online {
			state = "online"
		}
		sh.printf("  %-4d %-20s %s\n", u.ID, u.Username, state)
	}
}

func cmdUsers(ctx context.Context, sh *shell, _ []string) error {
	users, err := sh.svc.AllUsers(ctx)
	if err != nil {
		return err
	}
	sh.printUsers(users)
	return nil
}

func cmdOnline(ctx context.Context, sh *shell, _ []string) error {
	users, err := sh.svc.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	sh.printUsers(users)
	return nil
}

func cmdGroups(ctx context.Context, sh *shell, _ []string) error {
	groups, err := sh.svc.Groups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		sh.printf("(none)\n")
	}
	for _, g := range groups {
		sh.printf("  %-4d %-20s %s\n", g.ID, g.Name, g.Description)
	}
	return nil
}

// cmdGroup reads "<name> <description words> [-- user...]".
func cmdGroup(ctx context.Context, sh *shell, a []string) error {
	params := client.GroupParams{Name: a[0]}
	var invitees []string
	rest := a[1:]
	for i, w := range rest {
		if w == "--" {
			invitees = rest[i+1:]
			rest = rest[:i]
			break
		}
	}
	params.Description = strings.Join(rest, " ")
	if params.Description == "" {
		return errors.New("usage: /group <name> <description...> [-- user...]")
	}

	if len(invitees) == 0 {
		id, err := sh.svc.CreateGroup(ctx, params)
		if err != nil {
			return err
		}
		sh.printf("created group %s (id %d)\n", params.Name, id)
		return nil
	}
	res, err := sh.svc.CreateGroupWithInvites(ctx, params, invitees)
	if err != nil {
		return err
	}
	sh.printf("created group %s (id %d)\n", params.Name, res.ChannelID)
	sh.printInviteResult(res)
	return nil
}

func (sh *shell) printInviteResult(res *client.InviteResult) {
	if len(res.Sent) > 0 {
		sh.printf("invited: %s\n", strings.Join(res.Sent, ", "))
	}
	if len(res.NotFound) > 0 {
		sh.printf("not found: %s\n", strings.Join(res.NotFound, ", "))
	}
}

func cmdInvite(ctx context.Context, sh *shell, a []string) error {
	id, err := parseID(a[0])
	if err != nil {
		return err
	}
	res, err := sh.svc.InviteToGroup(ctx, id, a[1:])
	if err != nil {
		return err
	}
	sh.printInviteResult(res)
	return nil
}

func cmdPending(ctx context.Context, sh *shell, _ []string) error {
	invs, err := sh.svc.PendingInvites(ctx)
	if err != nil {
		return err
	}
	if len(invs) == 0 {
		sh.printf("(none)\n")
	}
	for _, inv := range invs {
		sh.printf("  invitation %d: %s (group %d) from %s\n", inv.ID, inv.ChannelName, inv.ChannelID, inv.InviterUsername)
	}
	return nil
}

func cmdAccept(ctx context.Context, sh *shell, a []string) error {
	invID, err := parseID(a[0])
	if err != nil {
		return err
	}
	chID, err := parseID(a[1])
	if err != nil {
		return err
	}
	if err := sh.svc.AcceptInvite(ctx, invID, chID); err != nil {
		return err
	}
	sh.printf("joined group %d\n", chID)
	return nil
}

func cmdReject(ctx context.Context, sh *shell, a []string) error {
	invID, err := parseID(a[0])
	if err != nil {
		return err
	}
	if err := sh.svc.RejectInvite(ctx, invID); err != nil {
		return err
	}
	sh.printf("invitation %d rejected\n", invID)
	return nil
}

func cmdMembers(ctx context.Context, sh *shell, a []string) error {
	id, err := parseID(a[0])
	if err != nil {
		return err
	}
	users, err := sh.svc.GroupMembers(ctx, id)
	if err != nil {
		return err
	}
	sh.printUsers(users)
	return nil
}

func cmdLeave(ctx context.Context, sh *shell, a []string) error {
	id, err := parseID(a[0])
	if err != nil {
		return err
	}
	if err := sh.svc.LeaveGroup(ctx, id); err != nil {
		return err
	}
	sh.printf("left group %d\n", id)
	return nil
}

func (sh *shell) printDelivery(d *client.Delivery, group bool) {
	switch {
	case group:
		sh.printf("sent (message %d) to %d online members\n", d.MessageID, d.Recipients)
	case d.Delivered:
		sh.printf("sent (message %d)\n", d.MessageID)
	default:
		sh.printf("saved (message %d), recipient is offline\n", d.MessageID)
	}
}

func cmdMsg(ctx context.Context, sh *shell, a []string) error {
	d, err := sh.svc.SendMessage(ctx, a[0], strings.Join(a[1:], " "))
	if err != nil {
		return err
	}
	sh.printDelivery(d, false)
	return nil
}

func cmdGroupMsg(ctx context.Context, sh *shell, a []string) error {
	id, err := parseID(a[0])
	if err != nil {
		return err
	}
	d, err := sh.svc.SendGroupMessage(ctx, id, strings.Join(a[1:], " "))
	if err != nil {
		return err
	}
	sh.printDelivery(d, true)
	return nil
}

// readClip loads an audio file; the format is its extension.
func readClip(path string, args []string) (client.AudioClip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.AudioClip{}, err
	}
	clip := client.AudioClip{Data: data, Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")}
	if clip.Format == "" {
		clip.Format = "wav"
	}
	if len(args) > 0 {
		secs, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || secs < 0 {
			return client.AudioClip{}, fmt.Errorf("invalid duration %q", args[0])
		}
		clip.DurationSeconds = secs
	}
	return clip, nil
}

func cmdAudio(ctx context.Context, sh *shell, a []string) error {
	clip, err := readClip(a[1], a[2:])
	if err != nil {
		return err
	}
	d, err := sh.svc.SendAudio(ctx, a[0], clip)
	if err != nil {
		return err
	}
	sh.printDelivery(d, false)
	return nil
}

func cmdGroupAudio(ctx context.Context, sh *shell, a []string) error {
	id, err := parseID(a[0])
	if err != nil {
		return err
	}
	clip, err := readClip(a[1], a[2:])
	if err != nil {
		return err
	}
	d, err := sh.svc.SendGroupAudio(ctx, id, clip)
	if err != nil {
		return err
	}
	sh.printDelivery(d, true)
	return nil
}

func (sh *shell) printHistory(msgs []client.HistoryMessage) {
	if len(msgs) == 0 {
		sh.printf("(no messages)\n")
		return
	}
	for _, m := range msgs {
		body := m.Content
		if m.IsAudio() {
			body = fmt.Sprintf("<audio %s, %ds>", m.AudioFormat, m.DurationSeconds)
		}
		sh.printf("  %s %-16s %s\n", m.Created.Local().Format("2006-01-02 15:04"), m.Sender, body)
	}
}

func cmdHistory(ctx context.Context, sh *shell, a []string) error {
	limit, err := optLimit(a, 1)
	if err != nil {
		return err
	}
	msgs, err := sh.svc.PrivateHistory(ctx, a[0], limit)
	if err != nil {
		return err
	}
	sh.printHistory(msgs)
	return nil
}

func cmdGroupHistory(ctx context.Context, sh *shell, a []string) error {
	id, err := parseID(a[0])
	if err != nil {
		return err
	}
	limit, err := optLimit(a, 1)
	if err != nil {
		return err
	}
	msgs, err := sh.svc.GroupHistory(ctx, id, limit)
	if err != nil {
		return err
	}
	sh.printHistory(msgs)
	return nil
}
