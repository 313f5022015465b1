package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/NicolasHaas/gorelay/pkg/client"
	"github.com/NicolasHaas/gorelay/pkg/protocol/pb"
)

const helpText = `commands:
  /chats              list chats
  /start              start a chat and subscribe to it
  /stop N             end chat N
  /sub N              subscribe to chat N
  /unsub N            unsubscribe from chat N
  /use N              post plain lines to chat N
  /post N text        post text to chat N
  /w nickname text    private message
  /nick [name]        change your nickname (empty resets it)
  /avatar [path]      set or clear your avatar path
  /users              list accounts (admin)
  /deluser username   delete an account (admin)
  /ping               round trip to the server
  /help               this text
  /quit               disconnect and exit
anything else is posted to the current chat`

var errQuit = errors.New("quit")

// command is one parsed input line.
type command struct {
	name string // "" for a plain line
	args []string
	text string // free text after the positional args
}

// parseCommand splits a line into a command. Commands that take a chat id or
// nickname get it as their single positional arg; the rest is kept verbatim.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	cmd := command{name: strings.ToLower(name)}
	rest = strings.TrimSpace(rest)

	nArgs := 0
	switch cmd.name {
	case "stop", "sub", "unsub", "use", "post", "w", "whisper", "deluser":
		nArgs = 1
	}
	for i := 0; i < nArgs && rest != ""; i++ {
		var arg string
		arg, rest, _ = strings.Cut(rest, " ")
		cmd.args = append(cmd.args, arg)
		rest = strings.TrimSpace(rest)
	}
	cmd.text = rest
	return cmd
}

func (c command) chatID() (int64, error) {
	if len(c.args) == 0 {
		return 0, fmt.Errorf("/%s needs a chat id", c.name)
	}
	id, err := strconv.ParseInt(c.args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid chat id %q", c.args[0])
	}
	return id, nil
}

// repl drives an Engine from line input.
type repl struct {
	engine   *client.Engine
	settings *client.Settings
	out      io.Writer
	current  atomic.Int64 // chat plain lines go to, 0 = none
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		err := r.exec(ctx, parseCommand(line))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
		if r.engine.GetState() == client.StateDisconnected {
			return errors.New("connection closed")
		}
	}
	return scanner.Err()
}

func (r *repl) exec(ctx context.Context, cmd command) error {
	ctx, cancel := context.WithTimeout(ctx, client.DefaultRequestTimeout)
	defer cancel()

	switch cmd.name {
	case "":
		current := r.current.Load()
		if current == 0 {
			return errors.New("no current chat, use /use N or /start")
		}
		return r.engine.Post(ctx, current, cmd.text)
	case "help":
		fmt.Fprintln(r.out, helpText)
	case "quit", "exit":
		return errQuit
	case "chats":
		chats, err := r.engine.ListChats(ctx)
		if err != nil {
			return err
		}
		r.printChats(chats)
	case "start":
		chat, err := r.engine.StartChat(ctx)
		if err != nil {
			return err
		}
		if err := r.engine.Subscribe(ctx, chat.ID); err != nil {
			return err
		}
		r.current.Store(chat.ID)
		fmt.Fprintf(r.out, "started chat %d\n", chat.ID)
	case "stop":
		id, err := cmd.chatID()
		if err != nil {
			return err
		}
		return r.engine.StopChat(ctx, id)
	case "sub":
		id, err := cmd.chatID()
		if err != nil {
			return err
		}
		if err := r.engine.Subscribe(ctx, id); err != nil {
			return err
		}
		r.current.CompareAndSwap(0, id)
	case "unsub":
		id, err := cmd.chatID()
		if err != nil {
			return err
		}
		if err := r.engine.Unsubscribe(ctx, id); err != nil {
			return err
		}
		r.current.CompareAndSwap(id, 0)
	case "use":
		id, err := cmd.chatID()
		if err != nil {
			return err
		}
		r.current.Store(id)
		r.settings.DefaultChat = id
	case "post":
		id, err := cmd.chatID()
		if err != nil {
			return err
		}
		if cmd.text == "" {
			return errors.New("/post needs text")
		}
		return r.engine.Post(ctx, id, cmd.text)
	case "w", "whisper":
		if len(cmd.args) == 0 || cmd.text == "" {
			return errors.New("usage: /w nickname text")
		}
		return r.engine.Whisper(ctx, cmd.args[0], cmd.text)
	case "nick":
		if err := r.engine.UpdateProfile(ctx, pb.UpdateProfileRequest{Nickname: &cmd.text}); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "you are now %s\n", r.engine.Nickname())
	case "avatar":
		return r.engine.UpdateProfile(ctx, pb.UpdateProfileRequest{AvatarPath: &cmd.text})
	case "users":
		users, err := r.engine.ListUsers(ctx)
		if err != nil {
			return err
		}
		r.printUsers(users)
	case "deluser":
		if len(cmd.args) == 0 {
			return errors.New("usage: /deluser username")
		}
		return r.engine.DeleteUser(ctx, cmd.args[0])
	case "ping":
		rtt, err := r.engine.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "pong in %s\n", rtt.Round(time.Microsecond))
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return nil
}

func (r *repl) printChats(chats []pb.ChatInfo) {
	if len(chats) == 0 {
		fmt.Fprintln(r.out, "no chats")
		return
	}
	table := plainTable(r.out, "ID", "State", "Started", "Ended", "Subscribed", "Transcript")
	for _, c := range chats {
		state, ended := "active", ""
		if !c.Active {
			state = "ended"
			ended = formatTime(c.EndTime)
		}
		sub := ""
		if c.Subscribed {
			sub = "yes"
		}
		if c.ID == r.current.Load() {
			sub += " *"
		}
		table.Append([]string{
			strconv.FormatInt(c.ID, 10),
			state,
			formatTime(c.StartTime),
			ended,
			strings.TrimSpace(sub),
			c.TranscriptPath,
		})
	}
	table.Render()
}

func (r *repl) printUsers(users []pb.UserInfo) {
	table := plainTable(r.out, "ID", "Username", "Nickname", "Avatar", "Online")
	for _, u := range users {
		online := ""
		if u.Online {
			online = "yes"
		}
		table.Append([]string{strconv.FormatInt(u.ID, 10), u.Username, u.Nickname, u.AvatarPath, online})
	}
	table.Render()
}

func plainTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func formatTime(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04:05")
}

// hooks wires engine callbacks to output.
func (r *repl) hooks() {
	r.engine.OnMessage = func(text string, ts int64) {
		if r.settings.Timestamps && ts > 0 {
			fmt.Fprintf(r.out, "[%s] %s\n", time.Unix(ts, 0).Format("15:04:05"), text)
			return
		}
		fmt.Fprintln(r.out, text)
	}
	r.engine.OnPresence = func(nickname string, joined bool) {
		if !r.settings.ShowPresence {
			return
		}
		if joined {
			fmt.Fprintf(r.out, "* %s is online\n", nickname)
		} else {
			fmt.Fprintf(r.out, "* %s went offline\n", nickname)
		}
	}
	r.engine.OnSubscription = func(ev pb.SubscriptionEvent) {
		verb := "joined"
		if !ev.Subscribed {
			verb = "left"
		}
		fmt.Fprintf(r.out, "* %s %s chat %d\n", ev.Nickname, verb, ev.ChatID)
	}
	r.engine.OnChatEnded = func(chat pb.ChatInfo) {
		fmt.Fprintf(r.out, "* chat %d ended\n", chat.ID)
		r.current.CompareAndSwap(chat.ID, 0)
	}
	r.engine.OnDisconnect = func(reason string) {
		fmt.Fprintln(r.out, "* disconnected:", reason)
	}
}
