package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type glueDatabaseConfig struct {
	DatabaseName string `json:"databaseName"`
	Description  string `json:"description"`
}

type glueTableConfig struct {
	DatabaseName         string            `json:"databaseName"`
	TableName            string            `json:"tableName"`
	TableType            string            `json:"tableType"`
	Location             string            `json:"location"`
	InputFormat          string            `json:"inputFormat"`
	OutputFormat         string            `json:"outputFormat"`
	SerializationLibrary string            `json:"serializationLibrary"`
	Columns              []glueColumn      `json:"columns"`
	PartitionKeys        []glueColumn      `json:"partitionKeys"`
	Parameters           map[string]string `json:"parameters"`
}

type glueColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (p *Provider) applyGlueDatabase(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired glueDatabaseConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode database config: %w", err)
	}

	input := &gluetypes.DatabaseInput{
		Name:        awssdk.String(desired.DatabaseName),
		Description: awssdk.String(desired.Description),
	}
	_, err := p.glueClient.CreateDatabase(ctx, &glue.CreateDatabaseInput{DatabaseInput: input})
	if isCode(err, "AlreadyExistsException") {
		_, err = p.glueClient.UpdateDatabase(ctx, &glue.UpdateDatabaseInput{
			Name:          awssdk.String(desired.DatabaseName),
			DatabaseInput: input,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", desired.DatabaseName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.DatabaseName,
		"name": desired.DatabaseName,
	})
}

func (p *Provider) readGlueDatabase(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.glueClient.GetDatabase(ctx, &glue.GetDatabaseInput{Name: awssdk.String(req.ID)})
	if err != nil {
		if isCode(err, "EntityNotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get database %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteGlueDatabase(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.glueClient.DeleteDatabase(ctx, &glue.DeleteDatabaseInput{Name: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "EntityNotFoundException") {
		return fmt.Errorf("failed to delete database %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applyGlueTable(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired glueTableConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode table config: %w", err)
	}

	input := &gluetypes.TableInput{
		Name:       awssdk.String(desired.TableName),
		TableType:  awssdk.String(desired.TableType),
		Parameters: desired.Parameters,
		StorageDescriptor: &gluetypes.StorageDescriptor{
			Location:     awssdk.String(desired.Location),
			InputFormat:  awssdk.String(desired.InputFormat),
			OutputFormat: awssdk.String(desired.OutputFormat),
			Columns:      glueColumns(desired.Columns),
			SerdeInfo: &gluetypes.SerDeInfo{
				SerializationLibrary: awssdk.String(desired.SerializationLibrary),
			},
		},
		PartitionKeys: glueColumns(desired.PartitionKeys),
	}

	_, err := p.glueClient.CreateTable(ctx, &glue.CreateTableInput{
		DatabaseName: awssdk.String(desired.DatabaseName),
		TableInput:   input,
	})
	if isCode(err, "AlreadyExistsException") {
		_, err = p.glueClient.UpdateTable(ctx, &glue.UpdateTableInput{
			DatabaseName: awssdk.String(desired.DatabaseName),
			TableInput:   input,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s.%s: %w", desired.DatabaseName, desired.TableName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   fmt.Sprintf("%s/%s", desired.DatabaseName, desired.TableName),
		"name": desired.TableName,
	})
}

func (p *Provider) readGlueTable(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	database := priorString(req.Prior, "databaseName")
	name := priorString(req.Prior, "tableName")
	if database == "" || name == "" {
		return &provider.ReadResult{Exists: false}, nil
	}
	_, err := p.glueClient.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: awssdk.String(database),
		Name:         awssdk.String(name),
	})
	if err != nil {
		if isCode(err, "EntityNotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get table %s.%s: %w", database, name, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteGlueTable(ctx context.Context, req *provider.DeleteRequest) error {
	database := priorString(req.Prior, "databaseName")
	name := priorString(req.Prior, "tableName")
	if database == "" || name == "" {
		return nil
	}
	_, err := p.glueClient.DeleteTable(ctx, &glue.DeleteTableInput{
		DatabaseName: awssdk.String(database),
		Name:         awssdk.String(name),
	})
	if err != nil && !isCode(err, "EntityNotFoundException") {
		return fmt.Errorf("failed to delete table %s.%s: %w", database, name, err)
	}
	return nil
}

func glueColumns(cols []glueColumn) []gluetypes.Column {
	if len(cols) == 0 {
		return nil
	}
	out := make([]gluetypes.Column, 0, len(cols))
	for _, c := range cols {
		out = append(out, gluetypes.Column{Name: awssdk.String(c.Name), Type: awssdk.String(c.Type)})
	}
	return out
}
