package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/agrifarm/internal/database"
	"github.com/nugget/agrifarm/internal/migrate"
	"github.com/nugget/agrifarm/internal/session"
	"github.com/nugget/agrifarm/internal/users"
)

// commandLogger is quiet unless something goes wrong, so command
// output stays readable.
func commandLogger(w io.Writer) *slog.Logger {
	return newLogger(w, slog.LevelWarn, "text")
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runMigrate handles "agrifarm migrate up|down [n]|status".
func runMigrate(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: agrifarm migrate up|down [n]|status", errUsage)
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	m := migrate.New(db, commandLogger(stdout), migrate.Registry())

	switch args[0] {
	case "up":
		applied, err := m.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		return printMigrations(stdout, opts.outputFmt, "applied", applied)

	case "down":
		steps := 1
		if len(args) > 1 {
			steps, err = strconv.Atoi(args[1])
			if err != nil || steps < 1 {
				return fmt.Errorf("%w: migrate down step count must be a positive integer", errUsage)
			}
		}
		reverted, err := m.Down(ctx, steps)
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		return printMigrations(stdout, opts.outputFmt, "reverted", reverted)

	case "status":
		status, err := m.Status(ctx)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		if opts.outputFmt == "json" {
			return writeJSONOut(stdout, status)
		}
		for _, st := range status {
			mark := " "
			applied := "pending"
			if st.Applied {
				mark = "✓"
				applied = st.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(stdout, "%s %-45s %s\n", mark, st.Name+strconv.FormatInt(st.ID, 10), applied)
		}
		return nil

	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
}

func printMigrations(w io.Writer, outputFmt, verb string, keys []string) error {
	if outputFmt == "json" {
		if keys == nil {
			keys = []string{}
		}
		return writeJSONOut(w, map[string][]string{verb: keys})
	}
	if len(keys) == 0 {
		fmt.Fprintf(w, "nothing %s\n", verb)
		return nil
	}
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s\n", verb, k)
	}
	return nil
}

// runToken prints a sealed access token for an existing user. The web
// app gets its tokens from the account service; this is for operators
// and device technicians working from the command line.
func runToken(ctx context.Context, stdout io.Writer, opts options, userID string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg, commandLogger(stdout))
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := users.NewStore(db).Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if !u.IsActive {
		return fmt.Errorf("token: user %s is deactivated", u.ID)
	}
	token, err := sealer.Issue(session.Claims{
		UserID: u.ID,
		Email:  u.Email,
		Role:   string(u.Role),
	})
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	if opts.outputFmt == "json" {
		return writeJSONOut(stdout, map[string]string{
			"user_id": u.ID,
			"role":    string(u.Role),
			"token":   token,
		})
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// runUser handles the account subcommands:
//
//	user add <email> <role> [full name]
//	user credits <user-id> <n>
//	user plan <user-id> FREE|PREMIUM [status]
func runUser(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	usage := fmt.Errorf("%w: agrifarm user add <email> <role> [full name] | credits <user-id> <n> | plan <user-id> FREE|PREMIUM [status]", errUsage)
	if len(args) == 0 {
		return usage
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg, commandLogger(stdout))
	if err != nil {
		return err
	}
	defer db.Close()
	store := users.NewStore(db)

	switch args[0] {
	case "add":
		if len(args) < 3 {
			return usage
		}
		role := users.Role(strings.ToUpper(args[2]))
		switch role {
		case users.RoleAdmin, users.RoleFarmer, users.RoleTechnician:
		default:
			return fmt.Errorf("unknown role %q (valid: ADMIN, FARMER, TECHNICIAN)", args[2])
		}
		u, err := store.Create(ctx, users.User{
			Email:    args[1],
			FullName: strings.Join(args[3:], " "),
			Role:     role,
			IsActive: true,
		})
		if err != nil {
			return fmt.Errorf("user add: %w", err)
		}
		if opts.outputFmt == "json" {
			return writeJSONOut(stdout, u)
		}
		fmt.Fprintf(stdout, "created %s %s (%s)\n", u.Role, u.Email, u.ID)
		return nil

	case "credits":
		if len(args) != 3 {
			return usage
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("%w: credit count must be an integer", errUsage)
		}
		if err := store.AddCredits(ctx, args[1], n); err != nil {
			return fmt.Errorf("user credits: %w", err)
		}
		return printUser(ctx, stdout, opts, store, args[1])

	case "plan":
		if len(args) < 3 {
			return usage
		}
		plan := users.Plan(strings.ToUpper(args[2]))
		if plan != users.PlanFree && plan != users.PlanPremium {
			return fmt.Errorf("unknown plan %q (valid: FREE, PREMIUM)", args[2])
		}
		status := users.SubscriptionActive
		if len(args) > 3 {
			status = users.SubscriptionStatus(strings.ToUpper(args[3]))
		}
		switch status {
		case users.SubscriptionActive, users.SubscriptionTrial, users.SubscriptionInactive, users.SubscriptionExpired:
		default:
			return fmt.Errorf("unknown subscription status %q (valid: ACTIVE, TRIAL, INACTIVE, EXPIRED)", args[3])
		}
		if err := store.SetSubscription(ctx, args[1], plan, status); err != nil {
			return fmt.Errorf("user plan: %w", err)
		}
		return printUser(ctx, stdout, opts, store, args[1])

	default:
		return fmt.Errorf("unknown user command: %s", args[0])
	}
}

func printUser(ctx context.Context, w io.Writer, opts options, store *users.Store, id string) error {
	u, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSONOut(w, u)
	}
	fmt.Fprintf(w, "%s %s plan=%s status=%s credits=%d\n", u.ID, u.Email, u.Plan, u.SubscriptionStatus, u.Credits)
	return nil
}
