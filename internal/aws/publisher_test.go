package aws

import (
	"context"
	"errors"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws/awstest"
)

func TestPublisherSend_SkipsEmptyAttributes(t *testing.T) {
	fake := &awstest.SQS{}
	p := NewPublisher(fake, "https://sqs.local/queue")

	err := p.Send(context.Background(), `{"order_id":"o1"}`, map[string]string{
		"order_id":    "o1",
		"template_id": "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Sent) != 1 {
		t.Fatalf("expected one message, got %d", len(fake.Sent))
	}
	in := fake.Sent[0]
	if *in.QueueUrl != "https://sqs.local/queue" {
		t.Fatalf("queue url mismatch: %s", *in.QueueUrl)
	}
	if _, ok := in.MessageAttributes["template_id"]; ok {
		t.Fatalf("empty attribute should be skipped")
	}
	if v := in.MessageAttributes["order_id"].StringValue; v == nil || *v != "o1" {
		t.Fatalf("order_id attribute mismatch: %+v", in.MessageAttributes["order_id"])
	}
}

func TestMetricsCount(t *testing.T) {
	fake := &awstest.CloudWatch{}
	m := NewMetrics(fake, "Reconciler")

	if err := m.Count(context.Background(), "OrdersCompleted", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Data) != 1 {
		t.Fatalf("expected one PutMetricData call, got %d", len(fake.Data))
	}
	datum := fake.Data[0].MetricData[0]
	if *datum.MetricName != "OrdersCompleted" || *datum.Value != 1 {
		t.Fatalf("unexpected datum: %+v", datum)
	}
}

func TestConditionErrors(t *testing.T) {
	if !IsConditionalCheckFailed(&types.ConditionalCheckFailedException{}) {
		t.Fatalf("expected conditional failure to be detected")
	}
	if IsConditionalCheckFailed(errors.New("boom")) {
		t.Fatalf("plain error must not be a conditional failure")
	}

	failed, ok := CanceledConditions(&types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: sdkaws.String("None")},
			{Code: sdkaws.String("ConditionalCheckFailed")},
		},
	})
	if !ok || len(failed) != 2 || failed[0] || !failed[1] {
		t.Fatalf("unexpected reasons: %v %v", failed, ok)
	}
	if _, ok := CanceledConditions(errors.New("boom")); ok {
		t.Fatalf("plain error must not be a cancellation")
	}
}
