package ir

// Pipeline is the typed declaration evaluated from pipeline.pkl. Optional
// blocks are nil when absent; zero-valued fields take documented defaults
// during expansion.
type Pipeline struct {
	Project     string            `pkl:"project"`
	Environment string            `pkl:"environment"`
	Region      string            `pkl:"region"`
	Tags        map[string]string `pkl:"tags"`
	Backend     *BackendConfig    `pkl:"backend"`
	Network     *NetworkConfig    `pkl:"network"`
	Encryption  *EncryptionConfig `pkl:"encryption"`
	Storage     *StorageConfig    `pkl:"storage"`
	Streaming   *StreamingConfig  `pkl:"streaming"`
	Warehouse   *WarehouseConfig  `pkl:"warehouse"`
	Alerting    *AlertingConfig   `pkl:"alerting"`
}

// BackendConfig selects where state lives.
type BackendConfig struct {
	Type      string `pkl:"type"` // "local" or "s3"
	Bucket    string `pkl:"bucket"`
	Prefix    string `pkl:"prefix"`
	Region    string `pkl:"region"`
	LockTable string `pkl:"lockTable"`
	Encrypt   bool   `pkl:"encrypt"`
	Profile   string `pkl:"profile"`
}

// NetworkConfig declares the VPC the warehouse runs in.
type NetworkConfig struct {
	CidrBlock         string   `pkl:"cidrBlock"`
	SubnetCidrs       []string `pkl:"subnetCidrs"`
	AvailabilityZones []string `pkl:"availabilityZones"`
	AllowedCidrs      []string `pkl:"allowedCidrs"`
}

// EncryptionConfig declares the pipeline KMS key.
type EncryptionConfig struct {
	EnableKeyRotation  *bool `pkl:"enableKeyRotation"`
	DeletionWindowDays int   `pkl:"deletionWindowDays"`
}

// StorageConfig declares the event archive buckets and their lifecycle.
type StorageConfig struct {
	ForceDestroy     bool   `pkl:"forceDestroy"`
	IaAfterDays      int    `pkl:"iaAfterDays"`
	GlacierAfterDays int    `pkl:"glacierAfterDays"`
	ExpireAfterDays  *int   `pkl:"expireAfterDays"` // nil = default, 0 = never expire
	ReplicaRegion    string `pkl:"replicaRegion"`   // empty disables replication
	EnableCatalog    *bool  `pkl:"enableCatalog"`
}

// StreamingConfig declares the ingest stream and delivery parameters.
type StreamingConfig struct {
	ShardCount           int   `pkl:"shardCount"`
	RetentionHours       int   `pkl:"retentionHours"`
	BufferMB             int   `pkl:"bufferMB"`
	BufferSeconds        int   `pkl:"bufferSeconds"`
	RedshiftRetrySeconds int   `pkl:"redshiftRetrySeconds"`
	EnableShardMetrics   *bool `pkl:"enableShardMetrics"`
}

// WarehouseConfig declares the analytical cluster.
type WarehouseConfig struct {
	NodeType              string `pkl:"nodeType"`
	NodeCount             int    `pkl:"nodeCount"`
	DatabaseName          string `pkl:"databaseName"`
	MasterUsername        string `pkl:"masterUsername"`
	MasterPassword        string `pkl:"masterPassword"`
	SnapshotRetentionDays int    `pkl:"snapshotRetentionDays"`
	SkipFinalSnapshot     bool   `pkl:"skipFinalSnapshot"`
	PreventDestroy        *bool  `pkl:"preventDestroy"`
}

// AlertingConfig declares alarms, log groups, and notification fanout.
type AlertingConfig struct {
	AlertEmails            []string `pkl:"alertEmails"`
	LogRetentionDays       int      `pkl:"logRetentionDays"`
	IteratorAgeThresholdMs int      `pkl:"iteratorAgeThresholdMs"`
	CPUThresholdPercent    float64  `pkl:"cpuThresholdPercent"`
	DiskThresholdPercent   float64  `pkl:"diskThresholdPercent"`
	EnableQueue            *bool    `pkl:"enableQueue"`
}
