package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"groomnet/internal/app"
	"groomnet/internal/config"
	"groomnet/internal/db"
	"groomnet/internal/domain"
	"groomnet/internal/mq"
	"groomnet/internal/repo"
	"groomnet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "groomnet",
	Short: "Groomnet booking dispatch coordinator",
	Long: `Groomnet coordinates at-home barber bookings: it broadcasts new requests
to nearby online barbers, resolves the race to accept, tracks the barber's
travel to the customer, runs the arrival handshake, and settles completed
services. Clients connect over the HTTP API and a websocket at /ws.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("GROOMNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(bookingCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			appCtx, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer appCtx.Close()
			fmt.Println("workspace ready:", filepath.Join(workspace, ".groomnet"))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer appCtx.Close()

			secret := os.Getenv("GROOMNET_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("GROOMNET_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   appCtx.Engine,
				Hub:      appCtx.Hub,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			interval := time.Duration(appCtx.Config.Dispatch.HeartbeatIntervalSeconds) * time.Second
			go appCtx.Hub.Run(ctx, interval, appCtx.Config.Dispatch.HeartbeatMisses)

			var pub *mq.Publisher
			if appCtx.Config.AMQP.URL != "" {
				pub, err = mq.NewPublisher(appCtx.Config.AMQP.URL, appCtx.Config.AMQP.Exchange)
				if err != nil {
					return fmt.Errorf("connect amqp: %w", err)
				}
				defer pub.Close()
			}
			server.StartSettlementDispatcher(ctx, appCtx.Engine.Repo, appCtx.Config, pub)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Groomnet API on http://%s%s (websocket at /ws)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID, name, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for a customer or barber",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("GROOMNET_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("GROOMNET_JWT_SECRET is required")
			}
			switch role {
			case domain.RoleCustomer, domain.RoleBarber, domain.RoleService:
			default:
				return fmt.Errorf("role must be customer, barber, or service")
			}
			tok, err := server.MintToken(secret, userID, name, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", domain.RoleCustomer, "customer, barber, or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyCmd() *cobra.Command {
	root := &cobra.Command{Use: "apikey", Short: "Manage collaborator API keys"}
	root.AddCommand(apikeyCreateCmd())
	root.AddCommand(apikeyListCmd())
	root.AddCommand(apikeyRevokeCmd())
	return root
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				key := "gk_" + hex.EncodeToString(raw)
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "collaborator identifier")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by collaborator")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func bookingCmd() *cobra.Command {
	root := &cobra.Command{Use: "booking", Short: "Inspect bookings"}
	root.AddCommand(bookingListCmd())
	root.AddCommand(bookingShowCmd())
	return root
}

func bookingListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bookings, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBookings(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Customer", "Service", "Price", "Payment", "Status", "Barber", "Travel"})
				for _, b := range items {
					barber, travel := "", ""
					if b.BarberID != nil {
						barber = *b.BarberID
					}
					if b.TravelStage != nil {
						travel = *b.TravelStage
					}
					tw.AppendRow(table.Row{b.ID, b.CustomerID, b.ServiceName, b.Price, b.PaymentMethod, b.Status, barber, travel})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func bookingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := r.GetBooking(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func logCmd() *cobra.Command {
	root := &cobra.Command{Use: "log", Short: "Event log"}
	root.AddCommand(logTailCmd())
	return root
}

func logTailCmd() *cobra.Command {
	var n int
	var bookingID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, bookingID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Booking", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.BookingID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&bookingID, "booking", "", "booking id filter")
	return cmd
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	appCtx, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine.Repo)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
