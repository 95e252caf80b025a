package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rtkbridge/internal/config"
	"rtkbridge/internal/devicelink"
	"rtkbridge/internal/mqttpub"
	"rtkbridge/internal/nmea"
	"rtkbridge/internal/ntrip"
	"rtkbridge/internal/session"
	"rtkbridge/internal/udp"
	"rtkbridge/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./rtkbridge.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	link, err := buildLink(ctx, cfg.Device)
	if err != nil {
		log.Fatalf("device link init failed: %v", err)
	}

	var corrections session.CorrectionSource
	if cfg.Ntrip.Enable {
		client, err := ntrip.New(ntrip.Config{
			Host:           cfg.Ntrip.Host,
			Port:           cfg.Ntrip.Port,
			Mountpoint:     cfg.Ntrip.Mountpoint,
			Username:       cfg.Ntrip.Username,
			Password:       cfg.Ntrip.Password,
			ReportInterval: cfg.Ntrip.ReportInterval,
		})
		if err != nil {
			log.Fatalf("ntrip init failed: %v", err)
		}
		corrections = client
		if err := client.Connect(ctx); err != nil {
			log.Fatalf("ntrip connect failed: %v", err)
		}
		log.Printf("ntrip caster=%s:%d mountpoint=%s", cfg.Ntrip.Host, cfg.Ntrip.Port, cfg.Ntrip.Mountpoint)
	}

	sess := session.New(link, corrections)

	log.Printf("rtkbridge starting")
	log.Printf("device transport=%s", cfg.Device.Transport)

	if err := link.Connect(ctx); err != nil {
		log.Fatalf("device connect failed: %v", err)
	}
	if err := sess.Start(ctx); err != nil {
		log.Fatalf("session start failed: %v", err)
	}
	defer sess.Close()

	go func() {
		log.Printf("web listening on %s", cfg.Web.Listen)
		if err := web.Serve(ctx, cfg.Web.Listen, sess); err != nil && ctx.Err() == nil {
			log.Printf("web server stopped: %v", err)
			cancel()
		}
	}()

	if cfg.MQTT.Enable {
		pub, err := mqttpub.New(mqttpub.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			log.Fatalf("mqtt init failed: %v", err)
		}
		defer pub.Close()
		go func() {
			if err := pub.Connect(); err != nil {
				log.Printf("mqtt connect failed: %v", err)
				return
			}
			log.Printf("mqtt broker=%s topic=%s", cfg.MQTT.Broker, cfg.MQTT.Topic)
			id, updates := sess.Subscribe(8)
			defer sess.Unsubscribe(id)
			for {
				select {
				case <-ctx.Done():
					return
				case pos, ok := <-updates:
					if !ok {
						return
					}
					if err := pub.Publish(pos); err != nil {
						log.Printf("mqtt publish failed: %v", err)
					}
				}
			}
		}()
	}

	if cfg.UDP.Enable {
		broadcaster, err := udp.NewBroadcaster(cfg.UDP.Dest, cfg.UDP.Interval)
		if err != nil {
			log.Fatalf("udp broadcaster init failed: %v", err)
		}
		defer broadcaster.Close()
		broadcaster.Start(ctx)
		log.Printf("udp dest=%s interval=%s", cfg.UDP.Dest, cfg.UDP.Interval)
		go func() {
			id, updates := sess.Subscribe(8)
			defer sess.Unsubscribe(id)
			for {
				select {
				case <-ctx.Done():
					return
				case pos, ok := <-updates:
					if !ok {
						return
					}
					broadcaster.Publish(nmea.FormatGGA(pos))
				}
			}
		}()
	}

	<-ctx.Done()
	log.Printf("rtkbridge stopping")
}

// buildLink constructs the configured transport. BLE needs a discovery pass
// first so the configured device ID resolves to a connectable address.
func buildLink(ctx context.Context, cfg config.DeviceConfig) (devicelink.Link, error) {
	switch cfg.Transport {
	case "tcp":
		return devicelink.NewTCP(devicelink.TCPConfig{
			Host:        cfg.TCP.Host,
			Port:        cfg.TCP.Port,
			DialTimeout: cfg.TCP.DialTimeout,
		})
	case "serial":
		return devicelink.NewSerial(devicelink.SerialConfig{
			Port: cfg.Serial.Port,
			Baud: cfg.Serial.Baud,
		})
	case "ble":
		bl, err := devicelink.NewBLE(devicelink.BLEConfig{
			DeviceID:    cfg.BLE.DeviceID,
			ScanTimeout: cfg.BLE.ScanTimeout,
		})
		if err != nil {
			return nil, err
		}
		devices, err := bl.StartDiscovery(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for d := range devices {
			log.Printf("ble discovered %s name=%q rssi=%d", d.ID, d.Name, d.RSSI)
			if d.ID == cfg.BLE.DeviceID {
				found = true
				bl.StopDiscovery()
			}
		}
		if !found {
			log.Fatalf("ble device %s not found during scan", cfg.BLE.DeviceID)
		}
		return bl, nil
	default:
		log.Fatalf("unknown transport %q", cfg.Transport)
		return nil, nil
	}
}
