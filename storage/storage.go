package storage

import (
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

const edmInt64 = "Edm.Int64"

// Storage provides access to underlying persistence mechanisms: the
// append-only event table, the snapshot table, and the retention trim queue.
type Storage struct {
	eventTable    *aztables.Client
	snapshotTable *aztables.Client
	trimQueue     *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, eventsTable, snapshotsTable, trimQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	et := svc.NewClient(eventsTable)
	st := svc.NewClient(snapshotsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	tq, err := azqueue.NewQueueClientFromConnectionString(connStr, trimQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{eventTable: et, snapshotTable: st, trimQueue: tq}, nil
}

func isStatusError(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
