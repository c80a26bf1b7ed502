package ddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	SNamespace = "NS"
	SRepo      = "REPO"
	SEntry     = "ENTRY"
	SHistory   = "HIST"
	SVersion   = "V"
)

func pkNamespace(ns string) string   { return fmt.Sprintf("%s#%s", SNamespace, ns) }
func skRepo(repo string) string      { return fmt.Sprintf("%s#%s", SRepo, repo) }
func pkRepo(ns, repo string) string  { return fmt.Sprintf("%s#%s#%s", SRepo, ns, repo) }
func skEntry(key string) string      { return fmt.Sprintf("%s#%s", SEntry, key) }
func skEntryPrefix() string          { return SEntry + "#" }
func skVersion(version int64) string { return fmt.Sprintf("%s#%020d", SVersion, version) }
func pkHistory(ns, repo, gen, key string) string {
	return fmt.Sprintf("%s#%s#%s#%s#%s", SHistory, ns, repo, gen, key)
}

// createTableIfNotExists creates the single PK/SK table and waits until it is active.
func createTableIfNotExists(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: &table,
		AttributeDefinitions: []ddbTypes.AttributeDefinition{
			{AttributeName: awsString("PK"), AttributeType: ddbTypes.ScalarAttributeTypeS},
			{AttributeName: awsString("SK"), AttributeType: ddbTypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbTypes.KeySchemaElement{
			{AttributeName: awsString("PK"), KeyType: ddbTypes.KeyTypeHash},
			{AttributeName: awsString("SK"), KeyType: ddbTypes.KeyTypeRange},
		},
		BillingMode: ddbTypes.BillingModePayPerRequest,
	})
	var re *ddbTypes.ResourceInUseException
	if err != nil && !errors.As(err, &re) {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: &table}, 2*time.Minute); err != nil {
		return fmt.Errorf("table %s did not become active: %w", table, err)
	}
	return nil
}
