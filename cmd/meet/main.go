package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Meet/internal/adapters/capture"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/auth"
	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/room"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
)

func bindFlags(v *viper.Viper) *pflag.FlagSet {
	fs := pflag.NewFlagSet("meet", pflag.ExitOnError)
	fs.String("endpoint", "", "hub websocket endpoint")
	fs.StringP("meeting", "m", "", "meeting id")
	fs.StringP("name", "n", "", "display name")
	fs.String("token", "", "join token; fetched from the hub when empty")
	fs.String("camera", "", "camera file (.ivf)")
	fs.String("microphone", "", "microphone file (.ogg)")
	fs.String("screen", "", "screen file (.ivf)")
	fs.StringSlice("deny", nil, "kinds whose permission is refused (microphone,camera,screen)")
	fs.Bool("debug", false, "debug logging")

	for key, flag := range map[string]string{
		"client.endpoint":         "endpoint",
		"client.meeting":          "meeting",
		"client.name":             "name",
		"client.token":            "token",
		"client.media.camera":     "camera",
		"client.media.microphone": "microphone",
		"client.media.screen":     "screen",
		"client.media.deny":       "deny",
		"debug":                   "debug",
	} {
		_ = v.BindPFlag(key, fs.Lookup(flag))
	}
	return fs
}

func parseKinds(names []string) []media.Kind {
	all := []media.Kind{media.KindMicrophone, media.KindCamera, media.KindScreen}
	var out []media.Kind
	for _, n := range names {
		for _, k := range all {
			if strings.EqualFold(strings.TrimSpace(n), k.String()) {
				out = append(out, k)
			}
		}
	}
	return out
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	v := config.New()
	fs := bindFlags(v)
	_ = fs.Parse(os.Args[1:])
	if v.GetBool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cc := cfg.Client
	if cc.Meeting == "" || cc.Name == "" {
		fmt.Fprintln(os.Stderr, "meeting and name are required")
		os.Exit(2)
	}

	token, uid, err := credentials(ctx, cc)
	if err != nil {
		log.Fatal().Err(err).Msg("no join token")
	}

	for kind, path := range map[string]string{"camera": cc.Media.Camera, "microphone": cc.Media.Microphone, "screen": cc.Media.Screen} {
		if path != "" && !capture.Exists(path) {
			log.Warn().Str("kind", kind).Str("path", path).Msg("capture file missing")
		}
	}

	factory, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cc.ICEServers))
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc factory")
	}

	pool := signaling.NewPool(signaling.Options{
		Heartbeat:   cc.Heartbeat,
		Backoff:     cc.Backoff,
		PushTimeout: cc.PushTimeout,
		JoinTimeout: cc.JoinTimeout,
	})
	defer pool.Close()

	sock := pool.Socket(cc.Endpoint)
	sock.OnOpen(func() { log.Info().Str("endpoint", cc.Endpoint).Msg("connected") })
	sock.OnClose(func() { fmt.Println("* connection lost, reconnecting") })
	sock.Connect(ctx)

	ch := sock.Channel(domain.MeetingID(cc.Meeting).Topic(), wire.JoinParams{Token: token, Name: cc.Name})

	rm := room.New(room.Options{
		Self:    uid,
		Name:    cc.Name,
		Channel: ch,
		Device: &capture.FileDevice{
			Camera:     cc.Media.Camera,
			Microphone: cc.Media.Microphone,
			Screen:     cc.Media.Screen,
			Deny:       parseKinds(cc.Media.Deny),
			StreamID:   string(uid),
		},
		Factory:           factory,
		Constraints:       media.Constraints{Audio: true, Video: true},
		DisconnectTimeout: cc.DisconnectTimeout,
		AnswerTimeout:     cc.AnswerTimeout,
		TypingQuiet:       cc.TypingQuiet,
		Events:            printer(),
	})

	if _, err := rm.Join(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "could not join %s: %v\n", cc.Meeting, err)
		os.Exit(1)
	}
	fmt.Printf("* joined %s as %s (%s)\n", cc.Meeting, cc.Name, uid)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			leave(rm)
			return
		case <-rm.Done():
			return
		case line, ok := <-lines:
			if !ok || !command(ctx, rm, line) {
				leave(rm)
				return
			}
		}
	}
}

func leave(rm *room.Room) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rm.Leave(ctx); err != nil && !errors.Is(err, room.ErrLeft) {
		log.Warn().Err(err).Msg("leave")
	}
}

// credentials returns the configured token, or fetches a development one.
func credentials(ctx context.Context, cc config.ClientConfig) (string, domain.UserID, error) {
	if cc.Token != "" {
		claims, err := auth.Peek(cc.Token)
		if err != nil {
			return "", "", err
		}
		return cc.Token, domain.UserID(claims.UserID), nil
	}
	return fetchToken(ctx, cc.Endpoint, cc.Name)
}
