package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

// Provision creates the tables and queue of the tables backend. Resources
// that already exist are left alone, so it is safe to run on every deploy.
func Provision(ctx context.Context, connStr string, names TableNames, logger *log.Logger) error {
	if err := createTables(ctx, connStr, []string{names.Stages, names.Items}, logger); err != nil {
		return err
	}
	if names.EventsQueue == "" {
		return nil
	}
	return createQueue(ctx, connStr, names.EventsQueue, logger)
}

func createTables(ctx context.Context, connStr string, names []string, logger *log.Logger) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
			logger.WithField("table", name).Debug("table already exists")
			continue
		}
		logger.WithField("table", name).Info("table created")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string, logger *log.Logger) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
		logger.WithField("queue", name).Debug("queue already exists")
		return nil
	}
	logger.WithField("queue", name).Info("queue created")
	return nil
}
