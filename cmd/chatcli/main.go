// Command chatcli is a developer tool for the chat gateway: it mints dev
// tokens, lists chats, follows the live channel and publishes acceptances.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/auth"
	"github.com/Satzhan7/diploma-sub000/internal/client"
	"github.com/Satzhan7/diploma-sub000/internal/config"
	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/intake"
	"github.com/Satzhan7/diploma-sub000/internal/service"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	amqp "github.com/rabbitmq/amqp091-go"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chatcli <command> [flags]

commands:
  token   -user ID [-ttl 24h]             mint a dev access token
  chats   -token T [-addr URL]            list chats of the token owner
  listen  -token T [-addr URL] [-chats 1,2] follow the live channel
  accept  -brand ID -influencer ID [-welcome TEXT]  publish an acceptance`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cfg := config.Load()
	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(cfg, os.Args[2:])
	case "chats":
		err = runChats(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "accept":
		err = runAccept(cfg, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.FgRed.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func runToken(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.Uint("user", 0, "user id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)
	if *user == 0 {
		return fmt.Errorf("-user is required")
	}
	tok, err := auth.GenerateAccessToken(*user, cfg.JWTSecret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runChats(args []string) error {
	fs := flag.NewFlagSet("chats", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "access token")
	_ = fs.Parse(args)

	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*addr, "/")+"/api/v1/chats", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+*token)
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list chats: %s", resp.Status)
	}
	var body struct {
		Chats []service.ChatDTO `json:"chats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Chat", "Peer", "Online", "Unread", "Last message"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, c := range body.Chats {
		table.Append([]string{
			strconv.FormatUint(uint64(c.ID), 10),
			strconv.FormatUint(uint64(c.PeerID), 10),
			strconv.FormatBool(c.PeerOnline),
			strconv.Itoa(c.UnreadCount),
			c.LastMessage,
		})
	}
	table.Render()
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	addr := fs.String("addr", "ws://localhost:8080/ws/chats", "live endpoint")
	token := fs.String("token", "", "access token")
	chats := fs.String("chats", "", "comma separated chat ids to join")
	delay := fs.Duration("reconnect", client.DefaultReconnectDelay, "reconnect delay")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		URL:            *addr,
		Token:          *token,
		ReconnectDelay: *delay,
		OnState: func(s client.State) {
			fmt.Println(color.FgGray.Render("-- " + s.String()))
		},
	})
	for _, part := range strings.Split(*chats, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("bad chat id %q", part)
		}
		_ = c.OpenChat(uint(id))
	}
	c.Connect(ctx)
	go func() {
		<-ctx.Done()
		c.Disconnect()
	}()

	for f := range c.Events() {
		name := color.FgCyan.Render(f.Event)
		if f.Event == events.Error {
			name = color.FgRed.Render(f.Event)
		}
		fmt.Printf("%s %s %s\n", time.Now().Format("15:04:05"), name, string(f.Data))
	}
	return nil
}

func runAccept(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("accept", flag.ExitOnError)
	brand := fs.Uint("brand", 0, "brand user id")
	influencer := fs.Uint("influencer", 0, "influencer user id")
	welcome := fs.String("welcome", "", "welcome message posted by the brand")
	_ = fs.Parse(args)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := intake.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		return err
	}
	a := intake.Acceptance{BrandID: *brand, InfluencerID: *influencer, Welcome: *welcome}
	if err := intake.NewPublisher(ch, cfg.RabbitQueue).Publish(context.Background(), a); err != nil {
		return err
	}
	fmt.Println(color.FgGreen.Render("published to " + cfg.RabbitQueue))
	return nil
}
