package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"boardsync/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.Backend != config.BackendAzure {
		log.Infof("store backend %s needs no provisioning", cfg.Backend)
		return
	}
	log.Info("storage init starting")
	ctx := context.Background()

	if err := createTables(ctx, cfg.ConnectionString, []string{cfg.TasksTable, cfg.ProjectsTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueues(ctx, cfg.ConnectionString, []string{cfg.RepairQueue}); err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		var respErr *azcore.ResponseError
		switch {
		case err == nil:
			log.WithField("table", name).Info("table created")
		case errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists):
			log.WithField("table", name).Debug("table already exists")
		default:
			return err
		}
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		var respErr *azcore.ResponseError
		switch {
		case err == nil:
			log.WithField("queue", name).Info("queue created")
		case errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists":
			log.WithField("queue", name).Debug("queue already exists")
		default:
			return err
		}
	}
	return nil
}
