package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/Meet/internal/client/chat"
	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/client/room"
	"github.com/dkeye/Meet/internal/domain"
)

const help = `commands:
  /mic /video /share      toggle microphone, camera, screen share
  /hand /rec              toggle raised hand, recording flag
  /typing on|off          typing indicator
  /resend <id>            resend a failed message
  /who                    participants and links
  /leave                  leave the meeting
  anything else           sends a chat message`

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// command runs one input line; false means leave.
func command(ctx context.Context, rm *room.Room, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := rm.SendChat(line); err != nil {
			fmt.Println("! chat:", err)
		}
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	var (
		on  bool
		err error
	)
	switch cmd {
	case "/leave", "/quit":
		return false
	case "/help":
		fmt.Println(help)
		return true
	case "/who":
		who(rm)
		return true
	case "/mic":
		on, err = rm.ToggleMic()
	case "/video":
		on, err = rm.ToggleVideo()
	case "/share":
		on, err = rm.ToggleScreenShare(ctx)
	case "/hand":
		on, err = rm.ToggleHand()
	case "/rec":
		on, err = rm.ToggleRecording()
	case "/typing":
		on = strings.TrimSpace(arg) != "off"
		err = rm.SetTyping(on)
	case "/resend":
		if err := rm.ResendChat(strings.TrimSpace(arg)); err != nil {
			fmt.Println("! resend:", err)
		}
		return true
	default:
		fmt.Println("! unknown command, try /help")
		return true
	}
	if err != nil {
		fmt.Printf("! %s: %v\n", cmd[1:], err)
		return true
	}
	fmt.Printf("* %s %s\n", cmd[1:], onOff(on))
	return true
}

func who(rm *room.Room) {
	s := rm.Snapshot()
	links := make(map[domain.UserID]peer.LinkInfo, len(s.Links))
	for _, l := range s.Links {
		links[l.RemoteID] = l
	}
	fmt.Printf("* %s, channel %s, media %s/%s video=%s\n", s.State, s.Channel,
		onOff(s.Media.AudioEnabled), onOff(s.Media.VideoEnabled), s.Media.ActiveVideoSource)
	for _, p := range s.Participants {
		line := fmt.Sprintf("  %-20s %s", p.DisplayName, p.ID)
		if p.ID == s.Self.ID {
			line += " (you)"
		}
		if l, ok := links[p.ID]; ok {
			line += fmt.Sprintf(" link=%s/%s", l.Role, l.State)
			for _, st := range rm.Stats(p.ID) {
				line += fmt.Sprintf(" %s:%dpk/%dlost", st.Kind, st.Packets, st.Lost)
			}
		}
		if c := s.Remote[p.ID]; c.HandRaised {
			line += " [hand]"
		}
		fmt.Println(line)
	}
	if len(s.Typing) > 0 {
		names := make([]string, 0, len(s.Typing))
		for _, id := range s.Typing {
			names = append(names, string(id))
		}
		sort.Strings(names)
		fmt.Printf("  typing: %s\n", strings.Join(names, ", "))
	}
}

func printer() room.Events {
	shown := make(map[string]bool)
	return room.Events{
		OnRoster: func(list []domain.Participant) {
			names := make([]string, 0, len(list))
			for _, p := range list {
				names = append(names, p.DisplayName)
			}
			fmt.Printf("* in the meeting: %s\n", strings.Join(names, ", "))
		},
		OnChat: func(e chat.Entry) {
			key := e.ClientID
			if key == "" {
				key = e.ID
			}
			switch e.Status {
			case domain.DeliveryFailed:
				fmt.Printf("! not sent, /resend %s: %s\n", e.ClientID, e.Body)
			case domain.DeliverySent:
				if shown[key] {
					return
				}
				shown[key] = true
				fmt.Printf("[%s] %s: %s\n", e.SentAt.Format("15:04"), e.SenderName, e.Body)
			}
		},
		OnRemoteCtl: func(id domain.UserID, c domain.ControlState) {
			fmt.Printf("* %s hand=%s rec=%s\n", id, onOff(c.HandRaised), onOff(c.Recording))
		},
		OnMediaError: func(err error) {
			fmt.Println("! media:", err)
		},
		OnNotice: func(msg string) {
			fmt.Println("*", msg)
		},
		OnClosed: func(err error) {
			if err != nil {
				fmt.Println("* left:", err)
				return
			}
			fmt.Println("* left")
		},
	}
}
