package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"ottowrite/backend/config"
	"ottowrite/backend/internal/authtoken"
	"ottowrite/backend/internal/collabclient"
	"ottowrite/backend/internal/ot/delta"
	"ottowrite/backend/internal/ws"
)

const usage = `commands:
  <text>              append text as a new line
  /ins <pos> <text>   insert text at rune position
  /del <pos> <count>  delete count runes
  /cursor <pos>       move the local cursor
  /who                list collaborators
  /show               print the document
  /quit               leave`

func main() {
	fs := pflag.NewFlagSet("collab_cli", pflag.ExitOnError)
	fs.String("url", "", "websocket endpoint, e.g. ws://127.0.0.1:8082/collab/ws")
	fs.String("token", "", "access token issued by the server")
	fs.String("secret", "", "sign a development token locally with this jwt secret")
	fs.String("user", "", "user id, required with --secret")
	fs.String("name", "", "display name")
	fs.String("doc", "", "document id")
	fs.Duration("heartbeat", 0, "presence heartbeat interval")
	_ = fs.Parse(os.Args[1:])

	v := config.New()
	for key, flag := range map[string]string{
		"client.url":               "url",
		"client.token":             "token",
		"auth.jwtSecret":           "secret",
		"client.userId":            "user",
		"client.userName":          "name",
		"client.document":          "doc",
		"client.heartbeatInterval": "heartbeat",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			log.Fatalf("bind flag %s: %v", flag, err)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	cc := cfg.Client
	if cc.Document == "" {
		log.Fatal("--doc is required")
	}

	token, userID, userName, err := credentials(cc.Token, cfg.Auth.JWTSecret, cc.UserID, cc.UserName)
	if err != nil {
		log.Fatal(err)
	}

	client, err := collabclient.New(collabclient.Options{
		DocumentID:        cc.Document,
		UserID:            userID,
		UserName:          userName,
		Transport:         ws.NewTransport(cc.URL, token),
		HeartbeatInterval: cc.HeartbeatInterval,
		OnContentChange: func(content string) {
			fmt.Printf("---- document ----\n%s\n------------------\n", content)
		},
		OnPresenceChange: func(presence map[string]collabclient.UserPresence) {
			fmt.Printf("* online: %s\n", who(presence))
		},
		OnError: func(err error) {
			log.Printf("collab error: %v", err)
		},
		OnConnectionChange: func(connected bool) {
			log.Printf("connected=%v", connected)
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(dialCtx)
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = client.Disconnect(leaveCtx)
	}()
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			if err := run(client, line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

// credentials 优先用现成的 token；只给了 secret 时本地签一个开发用 token
func credentials(token, secret, userID, userName string) (string, string, string, error) {
	if token == "" {
		if secret == "" || userID == "" {
			return "", "", "", fmt.Errorf("either --token or --secret with --user is required")
		}
		signer, err := authtoken.NewSigner(secret)
		if err != nil {
			return "", "", "", err
		}
		if userName == "" {
			userName = userID
		}
		token, _, err = signer.SignAccessToken(userID, userName, 24*time.Hour)
		return token, userID, userName, err
	}
	// 服务端以 token 里的用户为准，这里保持一致
	claims, err := authtoken.PeekClaims(token)
	if err != nil {
		return "", "", "", fmt.Errorf("read token: %w", err)
	}
	if userName == "" {
		userName = claims.Username
	}
	return token, claims.UserID, userName, nil
}

func run(c *collabclient.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		return c.Edit(func(length int) (delta.Delta, error) {
			text := line
			if length > 0 {
				text = "\n" + line
			}
			return delta.InsertOp(length, text, length)
		})
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/ins":
		posText, text, _ := strings.Cut(rest, " ")
		pos, err := strconv.Atoi(posText)
		if err != nil {
			return err
		}
		return c.Edit(func(length int) (delta.Delta, error) {
			return delta.InsertOp(pos, text, length)
		})
	case "/del":
		var pos, count int
		if _, err := fmt.Sscan(rest, &pos, &count); err != nil {
			return err
		}
		return c.Edit(func(length int) (delta.Delta, error) {
			return delta.DeleteOp(pos, count, length)
		})
	case "/cursor":
		pos, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return err
		}
		c.UpdateCursor(collabclient.CursorPosition{Position: pos})
	case "/who":
		fmt.Printf("* online: %s\n", who(c.Presence()))
	case "/show":
		fmt.Printf("%s\n(rev %d, %d pending)\n", c.Content(), c.Revision(), c.PendingCount())
	default:
		fmt.Println(usage)
	}
	return nil
}

func who(presence map[string]collabclient.UserPresence) string {
	now := time.Now()
	names := make([]string, 0, len(presence))
	for _, p := range presence {
		if p.Active(now) {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
