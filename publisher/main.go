package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"broadcast-dispatcher/pkg/broadcast"
	"broadcast-dispatcher/pkg/database"
	"broadcast-dispatcher/pkg/mq"
	"broadcast-dispatcher/pkg/observability"
)

// publisher pushes prepared batch files onto the broadcast topic. With
// --seed it also creates the job and recipient rows the worker updates.
func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("publisher", pflag.ExitOnError)
	fs.StringP("file", "f", "-", "batch JSON file, - for stdin")
	fs.Bool("seed", false, "insert the job and its recipients into DATABASE_URL before publishing")
	fs.String("brokers", "", "comma separated broker addresses (env BROKERS)")
	fs.String("queue-driver", "", "redis or amqp (env QUEUE_DRIVER)")
	fs.String("topic", "", "topic to publish on (env TOPIC)")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("QUEUE_DRIVER", mq.DriverRedis)
	v.SetDefault("TOPIC", "broadcasts")
	v.SetDefault("LOG_LEVEL", "info")
	for key, flag := range map[string]string{"BROKERS": "brokers", "QUEUE_DRIVER": "queue-driver", "TOPIC": "topic"} {
		if f := fs.Lookup(flag); f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}

	logger := observability.NewLogger(v.GetString("LOG_LEVEL"), v.GetString("LOG_FORMAT"))
	if err := run(v, fs, logger); err != nil {
		logger.Fatal().Err(err).Msg("publish failed")
	}
}

func run(v *viper.Viper, fs *pflag.FlagSet, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	file, _ := fs.GetString("file")
	body, err := readBatch(file)
	if err != nil {
		return err
	}
	batch, err := broadcast.DecodeBatch(body)
	if err != nil {
		return err
	}
	l := logger.With().Str("job_id", batch.Job.ID).Int("contacts", len(batch.Contacts)).Logger()

	if seed, _ := fs.GetBool("seed"); seed {
		db, err := database.New(ctx, v.GetString("DATABASE_URL"), 2)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		if err := db.SeedJob(ctx, batch.Job, batch.Contacts); err != nil {
			return fmt.Errorf("seed job: %w", err)
		}
		l.Info().Msg("seeded job and recipients")
	}

	var brokers []string
	for _, b := range strings.Split(v.GetString("BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	topic := v.GetString("TOPIC")
	pub, err := mq.NewPublisher(v.GetString("QUEUE_DRIVER"), brokers, mq.Options{Topic: topic, Consumer: "publisher", Log: logger})
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.Publish(ctx, body); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	l.Info().Str("topic", topic).Msg("published batch")
	return nil
}

func readBatch(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
