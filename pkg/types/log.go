package types

import (
	log "github.com/sirupsen/logrus"
)

const (
	LogFieldDeliveryID    = "delivery_id"
	LogFieldCorrelationID = "correlation_id"
	LogFieldDeploymentID  = "deployment_id"
	LogFieldRepository    = "repository"
	LogFieldEventType     = "event_type"
	LogFieldGitRef        = "git_ref"
	LogFieldGitRefSha     = "git_ref_sha"
	LogFieldPreviousSha   = "previous_sha"
	LogFieldTrigger       = "trigger"
	LogFieldSkill         = "skill"
	LogFieldFile          = "file"
	LogFieldLockKey       = "lock_key"
)

func (m Metadata) LogFields() log.Fields {
	return log.Fields{
		LogFieldTrigger:     m[MetadataTrigger],
		LogFieldGitRefSha:   m[MetadataCommitSHA],
		LogFieldPreviousSha: m[MetadataPreviousSHA],
		LogFieldDeliveryID:  m[MetadataDeliveryID],
		LogFieldGitRef:      m[MetadataBranch],
	}
}

func (d *Deployment) LogFields() log.Fields {
	fields := d.Metadata.LogFields()
	fields[LogFieldDeploymentID] = d.ID
	return fields
}
