package main

import (
	"context"
	"fmt"
	"time"

	"qrpay/internal/infrastructure/database"
	"qrpay/internal/model"
	"qrpay/internal/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			db, err := database.Open(&cfg.Database)
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Info("表结构迁移完成", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

// merchantCmd 商户数据归外部系统管理，这里只提供一个导入入口方便联调
func merchantCmd(configPath *string) *cobra.Command {
	var (
		name     string
		upiID    string
		qrData   string
		category string
	)

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a merchant and its QR payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			db, err := database.Open(&cfg.Database)
			if err != nil {
				return err
			}

			m := &model.Merchant{Name: name, UPIID: upiID, QRCodeData: qrData}
			if category != "" {
				m.Category = &category
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := repository.NewMerchantRepository(db).Create(ctx, m); err != nil {
				return fmt.Errorf("创建商户失败: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.ID.String())
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "merchant display name")
	add.Flags().StringVar(&upiID, "upi-id", "", "merchant payment address")
	add.Flags().StringVar(&qrData, "qr", "", "raw QR payload that identifies the merchant")
	add.Flags().StringVar(&category, "category", "", "optional merchant category")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("upi-id")
	_ = add.MarkFlagRequired("qr")

	cmd := &cobra.Command{
		Use:   "merchant",
		Short: "Merchant data maintenance",
	}
	cmd.AddCommand(add)
	return cmd
}
