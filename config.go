package dockerizer

import (
	"os"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Subjects, streams, buckets and fixed tunables
////////////////////////////////////////////////////////////////////////////////

const (
	// Queue names as the web layer knows them.
	defaultBuildQueueName  = "submission-builder"
	defaultRoomQueuePrefix = "room"

	// JetStream stream names may not contain dots or wildcards.
	buildStreamName   = "DOCKERIZER_BUILDS"
	roomStreamPrefix  = "DOCKERIZER_ROOMS_"
	defaultConsumer   = "dockerizer-workers"
	kvBucketRecords   = "dockerizer_records"
	kvRecordHistory   = 5
	buildStreamMaxAge = 7 * 24 * time.Hour
	roomStreamMaxAge  = 7 * 24 * time.Hour

	// Record keys in KV.
	kvSubmissionKeyPrefix = "submission/"
	kvProblemKeyPrefix    = "problem/"
	kvCodeKeyPrefix       = "code/"
	kvRunKeyPrefix        = "run/"
	kvGatheredKeyPrefix   = "gathered/"
	kvSelectedKeyPrefix   = "selected/"
	kvSequenceKeyPrefix   = "seq/"

	// At most once: a delivery is never handed out a second time.
	workerDeliveryMaxDeliver = 1

	defaultStartupWait = 10 * time.Second
	shutdownFlushWait  = 2 * time.Second

	fileModePrivate    os.FileMode = 0o600
	fileModeExecutable os.FileMode = 0o755
	dirModePrivateRead os.FileMode = 0o750
	maxReferenceLength             = 41

	// Users baked into every generated image.
	userAdmin      = "root"
	userRunner     = "runner"
	runnerUID      = 1000
	runnerHome     = "/home/runner"
	runnerSrc      = runnerHome + "/src"
	contextSrc     = "src"
	contextAux     = ".dockerizer"
	dockerfileName = "Dockerfile"
	runtimeSkip    = "other"
)
