// Command bot is a demo load driver: it connects to the server like the
// web UI would, places orders at random houses and occasionally toggles
// an obstacle, then logs the mission progress it sees in the frames.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		orderSec = flag.Int("order_every", 5, "seconds between orders")
		obstacle = flag.Bool("obstacles", true, "toggle a random obstacle now and then")
		seed     = flag.Int64("seed", 0, "rng seed (0 = time-based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "bot",
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var houses []grid.Coord
	var gridW, gridH int
	lastState := protocol.MissionState("")
	nextOrder := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			houses = w.Grid.Houses
			gridW, gridH = w.Grid.Width, w.Grid.Height
			logger.Printf("WELCOME session=%s grid=%dx%d houses=%d capacity=%d",
				w.SessionID, gridW, gridH, len(houses), w.Capacity)

		case protocol.TypeFrame:
			var f protocol.FrameMsg
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			if f.Environment != nil && len(houses) == 0 {
				houses = f.Environment.Grid.Houses
				gridW, gridH = f.Environment.Grid.Width, f.Environment.Grid.Height
			}
			if f.Knowledge != nil && f.Knowledge.MissionState != lastState {
				lastState = f.Knowledge.MissionState
				m := f.Knowledge.Metrics
				logger.Printf("mission=%s orders=%d delivered=%d distance=%d replans=%d",
					lastState, len(f.Knowledge.Orders), m.TotalDeliveries, m.TotalDistance, m.ReplanCount)
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR %s: %s", e.Code, e.Message)
		}

		if len(houses) > 0 && time.Now().After(nextOrder) {
			nextOrder = time.Now().Add(time.Duration(*orderSec) * time.Second)
			h := houses[rng.Intn(len(houses))]
			_ = conn.WriteJSON(protocol.UIAddOrderMsg{
				Type:            protocol.TypeAddOrder,
				ProtocolVersion: protocol.Version,
				House:           h,
			})
			logger.Printf("order -> %v", h)

			if *obstacle && rng.Intn(4) == 0 && gridW > 2 && gridH > 2 {
				c := grid.Coord{X: 1 + rng.Intn(gridW-2), Y: 1 + rng.Intn(gridH-2)}
				_ = conn.WriteJSON(protocol.UIToggleObstacleMsg{
					Type:            protocol.TypeToggleObstacle,
					ProtocolVersion: protocol.Version,
					Cell:            c,
				})
				logger.Printf("toggle -> %v", c)
			}
		}
	}
}
