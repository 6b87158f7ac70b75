package stack

import (
	"fmt"
	"unicode"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// addWarehouse emits the Redshift subnet group and cluster plus the Secrets
// Manager secret mirroring the master credentials. Skipped when the block
// is absent; validateCore already enforced the network requirement.
func (b *builder) addWarehouse() {
	cfg := b.p.Warehouse
	if cfg == nil {
		return
	}

	nodes := intOr(cfg.NodeCount, 2)
	snapshot := intOr(cfg.SnapshotRetentionDays, 7)

	if nodes < 1 {
		b.errf("warehouse.nodeCount: must be at least 1, got %d", nodes)
	}
	if snapshot < 1 || snapshot > 35 {
		b.errf("warehouse.snapshotRetentionDays: %d is outside the allowed 1-35 range", snapshot)
	}
	if cfg.MasterPassword == "" {
		b.errf("warehouse.masterPassword: required when the warehouse module is enabled")
	} else if !validMasterPassword(cfg.MasterPassword) {
		b.errf("warehouse.masterPassword: must be at least 8 characters with an upper-case letter, a lower-case letter, and a digit")
	}

	var subnetIDs []any
	for _, r := range b.resources {
		if r.Type == "aws:EC2.Subnet" {
			subnetIDs = append(subnetIDs, ref("aws:EC2.Subnet", r.Name, "id"))
		}
	}

	b.add(&ir.Resource{
		Type:     "aws:Redshift.SubnetGroup",
		Name:     "warehouse",
		Provider: "aws",
		Properties: map[string]any{
			"subnetGroupName": b.nameFor("warehouse"),
			"description":     fmt.Sprintf("Warehouse subnets for %s %s", b.p.Project, b.p.Environment),
			"subnetIds":       subnetIDs,
			"tags":            b.tags(nil),
		},
	})

	clusterType := "multi-node"
	if nodes == 1 {
		clusterType = "single-node"
	}
	b.add(&ir.Resource{
		Type:     "aws:Redshift.Cluster",
		Name:     "warehouse",
		Provider: "aws",
		Timeout:  "45m",
		Lifecycle: &ir.Lifecycle{
			PreventDestroy: boolOr(cfg.PreventDestroy, true),
		},
		Properties: map[string]any{
			"clusterIdentifier":     b.nameFor("warehouse"),
			"nodeType":              strOr(cfg.NodeType, "ra3.xlplus"),
			"clusterType":           clusterType,
			"numberOfNodes":         nodes,
			"databaseName":          b.warehouseDatabaseName(),
			"masterUsername":        b.warehouseUsername(),
			"masterPassword":        cfg.MasterPassword,
			"port":                  warehousePort,
			"encrypted":             true,
			"kmsKeyArn":             ref("aws:KMS.Key", "pipeline", "arn"),
			"publiclyAccessible":    false,
			"subnetGroupName":       ref("aws:Redshift.SubnetGroup", "warehouse", "name"),
			"vpcSecurityGroupIds":   list(ref("aws:EC2.SecurityGroup", "warehouse", "id")),
			"snapshotRetentionDays": snapshot,
			"skipFinalSnapshot":     cfg.SkipFinalSnapshot,
			"iamRoles":              list(ref("aws:IAM.Role", "redshift-copy", "arn")),
			"tags":                  b.tags(nil),
		},
	})

	b.add(&ir.Resource{
		Type:     "aws:SecretsManager.Secret",
		Name:     "warehouse",
		Provider: "aws",
		Properties: map[string]any{
			"secretName": fmt.Sprintf("%s/%s/warehouse", b.p.Project, b.p.Environment),
			"kmsKeyArn":  ref("aws:KMS.Key", "pipeline", "arn"),
			"secretString": map[string]any{
				"username": b.warehouseUsername(),
				"password": cfg.MasterPassword,
				"host":     ref("aws:Redshift.Cluster", "warehouse", "address"),
				"port":     warehousePort,
				"dbname":   b.warehouseDatabaseName(),
			},
			"tags": b.tags(nil),
		},
	})

	b.outputs["warehouseEndpoint"] = ref("aws:Redshift.Cluster", "warehouse", "address")
}

func (b *builder) warehouseDatabaseName() string {
	return strOr(b.p.Warehouse.DatabaseName, "analytics")
}

func (b *builder) warehouseUsername() string {
	return strOr(b.p.Warehouse.MasterUsername, "etl_admin")
}

// validMasterPassword enforces the Redshift master password rules we rely
// on: length plus upper, lower, and digit classes.
func validMasterPassword(pw string) bool {
	if len(pw) < 8 {
		return false
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}
