package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/orderparse"
)

func brandCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brand",
		Short: "Manage brands",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new brand",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			id, _ := cmd.Flags().GetString("id")
			siteID, _ := cmd.Flags().GetString("site-id")
			apiKey, _ := cmd.Flags().GetString("api-key")

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if id == "" {
				id = models.NewID("brand")
			}
			now := time.Now().UTC()
			brand := &models.Brand{
				ID:            id,
				Name:          name,
				SiteID:        siteID,
				APIKey:        apiKey,
				WebhookSecret: models.NewWebhookSecret(),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := a.store.CreateBrand(context.Background(), brand); err != nil {
				return fmt.Errorf("failed to create brand: %w", err)
			}
			return printJSON(brand)
		},
	}
	createCmd.Flags().String("name", "", "brand name")
	createCmd.Flags().String("id", "", "brand id (generated when empty)")
	createCmd.Flags().String("site-id", "", "storefront site id")
	createCmd.Flags().String("api-key", "", "conversion API key for this brand")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all brands",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			brands, err := a.store.ListBrands(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list brands: %w", err)
			}
			if len(brands) == 0 {
				fmt.Println("No brands found.")
				return nil
			}
			for _, b := range brands {
				fmt.Printf("  %s  %s  site=%s  (created %s)\n", b.ID, b.Name, b.SiteID, b.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-secret <brand_id>",
		Short: "Issue a new webhook signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			brand, err := a.store.GetBrand(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get brand: %w", err)
			}
			if brand == nil {
				return fmt.Errorf("brand %s not found", args[0])
			}
			secret := models.NewWebhookSecret()
			if err := a.store.UpdateBrandWebhookSecret(ctx, brand.ID, secret); err != nil {
				return fmt.Errorf("failed to rotate secret: %w", err)
			}
			fmt.Println(secret)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, rotateCmd)
	return cmd
}

func queueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the conversion queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queue.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}

	var batch int
	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Deliver one batch of due jobs and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.queue.ProcessQueue(context.Background(), batch)
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		},
	}
	processCmd.Flags().IntVar(&batch, "batch", 0, "batch size (0 uses delivery.batch_size)")

	retryCmd := &cobra.Command{
		Use:   "retry <job_id>",
		Short: "Requeue a dead job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.queue.RetryDeadJob(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to retry job: %w", err)
			}
			if !res.Success {
				return fmt.Errorf("%s", res.Message)
			}
			fmt.Println(res.Message)
			return nil
		},
	}

	var limit int
	failuresCmd := &cobra.Command{
		Use:   "failures",
		Short: "List dead-letter records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.store.ListFailures(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("failed to list failures: %w", err)
			}
			if len(recs) == 0 {
				fmt.Println("No failures recorded.")
				return nil
			}
			for _, r := range recs {
				job := ""
				if r.JobID != nil {
					job = *r.JobID
				}
				fmt.Printf("  %s  %s  %s  attempts=%d  %s\n", r.CreatedAt.Format(time.RFC3339), job, r.ErrorCode, r.Attempts, r.Error)
			}
			return nil
		},
	}
	failuresCmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")

	cmd.AddCommand(statsCmd, processCmd, retryCmd, failuresCmd)
	return cmd
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file|->",
		Short: "Parse an order payload and print the normalized order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("invalid JSON: %w", err)
			}
			shape, _ := orderparse.DetectShape(raw)
			return printJSON(map[string]any{
				"shape": shape.String(),
				"order": orderparse.Parse(raw),
			})
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
