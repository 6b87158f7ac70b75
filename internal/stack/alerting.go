package stack

import (
	"fmt"
	"strings"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// CloudWatch only accepts these retention values.
var validLogRetentionDays = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 14: true, 30: true, 60: true,
	90: true, 120: true, 150: true, 180: true, 365: true, 400: true,
	545: true, 731: true, 1827: true, 3653: true,
}

const alertsQueueRetentionSeconds = 1209600 // 14 days

// addAlerting emits log groups, alarms, the dashboard, the SNS alerts topic
// with its email and SQS fanout, and the SSM discovery parameters. Skipped
// entirely when the block is absent.
func (b *builder) addAlerting() {
	cfg := b.p.Alerting
	if cfg == nil {
		return
	}

	retention := intOr(cfg.LogRetentionDays, 14)
	iteratorAge := intOr(cfg.IteratorAgeThresholdMs, 60000)
	cpu := floatOr(cfg.CPUThresholdPercent, 85)
	disk := floatOr(cfg.DiskThresholdPercent, 80)

	if !validLogRetentionDays[retention] {
		b.errf("alerting.logRetentionDays: %d is not a CloudWatch-supported retention", retention)
	}
	if iteratorAge < 1 {
		b.errf("alerting.iteratorAgeThresholdMs: must be positive, got %d", iteratorAge)
	}
	if cpu <= 0 || cpu > 100 {
		b.errf("alerting.cpuThresholdPercent: %g is outside the allowed 0-100 range", cpu)
	}
	if disk <= 0 || disk > 100 {
		b.errf("alerting.diskThresholdPercent: %g is outside the allowed 0-100 range", disk)
	}
	for i, email := range cfg.AlertEmails {
		if !strings.Contains(email, "@") {
			b.errf("alerting.alertEmails[%d]: %q is not an email address", i, email)
		}
	}

	b.addLogGroup("firehose", retention)
	if b.p.Warehouse != nil {
		b.addLogGroup("redshift", retention)
	}

	b.add(&ir.Resource{
		Type:     "aws:SNS.Topic",
		Name:     "alerts",
		Provider: "aws",
		Properties: map[string]any{
			"topicName": b.nameFor("alerts"),
			"kmsKeyArn": ref("aws:KMS.Key", "pipeline", "arn"),
			"tags":      b.tags(nil),
		},
	})
	for i, email := range cfg.AlertEmails {
		b.add(&ir.Resource{
			Type:     "aws:SNS.Subscription",
			Name:     fmt.Sprintf("email-%d", i),
			Provider: "aws",
			Properties: map[string]any{
				"topicArn": ref("aws:SNS.Topic", "alerts", "arn"),
				"protocol": "email",
				"endpoint": email,
			},
		})
	}
	if boolOr(cfg.EnableQueue, true) {
		b.addAlertsQueue()
	}

	streamName := b.nameFor("events")
	b.addAlarm("stream-throttle", map[string]any{
		"namespace":          "AWS/Kinesis",
		"metricName":         "WriteProvisionedThroughputExceeded",
		"statistic":          "Sum",
		"comparisonOperator": "GreaterThanThreshold",
		"threshold":          0,
		"evaluationPeriods":  1,
		"dimensions":         map[string]any{"StreamName": streamName},
		"treatMissingData":   "notBreaching",
	})
	b.addAlarm("stream-iterator-age", map[string]any{
		"namespace":          "AWS/Kinesis",
		"metricName":         "GetRecords.IteratorAgeMilliseconds",
		"statistic":          "Maximum",
		"comparisonOperator": "GreaterThanThreshold",
		"threshold":          iteratorAge,
		"evaluationPeriods":  3,
		"dimensions":         map[string]any{"StreamName": streamName},
		"treatMissingData":   "notBreaching",
	})
	b.addAlarm("archive-delivery", map[string]any{
		"namespace":          "AWS/Firehose",
		"metricName":         "DeliveryToS3.Success",
		"statistic":          "Average",
		"comparisonOperator": "LessThanThreshold",
		"threshold":          1,
		"evaluationPeriods":  1,
		"dimensions":         map[string]any{"DeliveryStreamName": b.nameFor("archive")},
		"treatMissingData":   "breaching",
	})
	if b.p.Warehouse != nil {
		b.addAlarm("warehouse-delivery", map[string]any{
			"namespace":          "AWS/Firehose",
			"metricName":         "DeliveryToRedshift.Success",
			"statistic":          "Average",
			"comparisonOperator": "LessThanThreshold",
			"threshold":          1,
			"evaluationPeriods":  1,
			"dimensions":         map[string]any{"DeliveryStreamName": b.nameFor("warehouse")},
			"treatMissingData":   "breaching",
		})
		b.addAlarm("warehouse-cpu", map[string]any{
			"namespace":          "AWS/Redshift",
			"metricName":         "CPUUtilization",
			"statistic":          "Average",
			"comparisonOperator": "GreaterThanThreshold",
			"threshold":          cpu,
			"evaluationPeriods":  3,
			"dimensions":         map[string]any{"ClusterIdentifier": b.nameFor("warehouse")},
			"treatMissingData":   "missing",
		})
		b.addAlarm("warehouse-disk", map[string]any{
			"namespace":          "AWS/Redshift",
			"metricName":         "PercentageDiskSpaceUsed",
			"statistic":          "Average",
			"comparisonOperator": "GreaterThanThreshold",
			"threshold":          disk,
			"evaluationPeriods":  3,
			"dimensions":         map[string]any{"ClusterIdentifier": b.nameFor("warehouse")},
			"treatMissingData":   "missing",
		})
	}

	dashboardName := b.nameFor("pipeline")
	b.add(&ir.Resource{
		Type:     "aws:CloudWatch.Dashboard",
		Name:     "pipeline",
		Provider: "aws",
		Properties: map[string]any{
			"dashboardName": dashboardName,
			"body":          b.dashboardBody(),
		},
	})

	b.addDiscoveryParameters()

	b.outputs["alertsTopicArn"] = ref("aws:SNS.Topic", "alerts", "arn")
	b.outputs["dashboardName"] = dashboardName
}

func (b *builder) logGroupName(component string) string {
	return fmt.Sprintf("/cartstream/%s-%s/%s", b.p.Project, b.p.Environment, component)
}

func (b *builder) addLogGroup(component string, retention int) {
	b.add(&ir.Resource{
		Type:     "aws:CloudWatch.LogGroup",
		Name:     component,
		Provider: "aws",
		Properties: map[string]any{
			"logGroupName":  b.logGroupName(component),
			"retentionDays": retention,
			"kmsKeyArn":     ref("aws:KMS.Key", "pipeline", "arn"),
			"tags":          b.tags(nil),
		},
	})
}

// addAlarm merges the shared alarm plumbing (name, actions, period, tags)
// with the alarm-specific fields.
func (b *builder) addAlarm(name string, props map[string]any) {
	merged := map[string]any{
		"alarmName":     b.nameFor(name),
		"alarmActions":  list(ref("aws:SNS.Topic", "alerts", "arn")),
		"periodSeconds": 300,
		"tags":          b.tags(nil),
	}
	for k, v := range props {
		merged[k] = v
	}
	b.add(&ir.Resource{
		Type:       "aws:CloudWatch.Alarm",
		Name:       name,
		Provider:   "aws",
		Properties: merged,
	})
}

// addAlertsQueue emits the programmatic consumer queue and subscribes it to
// the topic. The provider composes the queue policy from allowSnsTopicArn.
func (b *builder) addAlertsQueue() {
	b.add(&ir.Resource{
		Type:     "aws:SQS.Queue",
		Name:     "alerts",
		Provider: "aws",
		Properties: map[string]any{
			"queueName":        b.nameFor("alerts"),
			"retentionSeconds": alertsQueueRetentionSeconds,
			"sseEnabled":       true,
			"allowSnsTopicArn": ref("aws:SNS.Topic", "alerts", "arn"),
			"tags":             b.tags(nil),
		},
	})
	b.add(&ir.Resource{
		Type:     "aws:SNS.Subscription",
		Name:     "queue",
		Provider: "aws",
		Properties: map[string]any{
			"topicArn":           ref("aws:SNS.Topic", "alerts", "arn"),
			"protocol":           "sqs",
			"endpoint":           ref("aws:SQS.Queue", "alerts", "arn"),
			"rawMessageDelivery": true,
		},
	})
}

// addDiscoveryParameters publishes the coordinates applications need to
// produce and consume pipeline data.
func (b *builder) addDiscoveryParameters() {
	params := []struct {
		name  string
		value any
	}{
		{"stream-name", b.nameFor("events")},
		{"stream-arn", ref("aws:Kinesis.Stream", "events", "arn")},
		{"events-bucket", b.nameFor("events")},
		{"alerts-topic-arn", ref("aws:SNS.Topic", "alerts", "arn")},
	}
	if b.p.Warehouse != nil {
		params = append(params, struct {
			name  string
			value any
		}{"warehouse-endpoint", ref("aws:Redshift.Cluster", "warehouse", "address")})
	}
	for _, p := range params {
		b.add(&ir.Resource{
			Type:     "aws:SSM.Parameter",
			Name:     p.name,
			Provider: "aws",
			Properties: map[string]any{
				"parameterName": fmt.Sprintf("/cartstream/%s/%s/%s", b.p.Project, b.p.Environment, p.name),
				"type":          "String",
				"value":         p.value,
				"tags":          b.tags(nil),
			},
		})
	}
}

// dashboardBody assembles the operational dashboard. The provider marshals
// it to the CloudWatch JSON body.
func (b *builder) dashboardBody() map[string]any {
	streamName := b.nameFor("events")
	widgets := []any{
		metricWidget(0, 0, "Stream throughput", b.p.Region, []any{
			list("AWS/Kinesis", "IncomingRecords", "StreamName", streamName),
			list("AWS/Kinesis", "IncomingBytes", "StreamName", streamName),
		}),
		metricWidget(12, 0, "Archive delivery", b.p.Region, []any{
			list("AWS/Firehose", "DeliveryToS3.Records", "DeliveryStreamName", b.nameFor("archive")),
			list("AWS/Firehose", "DeliveryToS3.Success", "DeliveryStreamName", b.nameFor("archive")),
		}),
	}
	if b.p.Warehouse != nil {
		widgets = append(widgets, metricWidget(0, 6, "Warehouse health", b.p.Region, []any{
			list("AWS/Redshift", "CPUUtilization", "ClusterIdentifier", b.nameFor("warehouse")),
			list("AWS/Redshift", "PercentageDiskSpaceUsed", "ClusterIdentifier", b.nameFor("warehouse")),
		}))
	}
	return map[string]any{"widgets": widgets}
}

func metricWidget(x, y int, title, region string, metrics []any) map[string]any {
	return map[string]any{
		"type":   "metric",
		"x":      x,
		"y":      y,
		"width":  12,
		"height": 6,
		"properties": map[string]any{
			"title":   title,
			"region":  region,
			"metrics": metrics,
			"stat":    "Sum",
			"period":  300,
		},
	}
}
