package webhook

import (
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/common"
	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
)

// Notifier forwards lifecycle events to an operator-configured external
// endpoint. Entirely optional and off the ingest path: the Registry calls
// Notify on a goroutine of its own, so a slow or down receiver never delays
// a frame, motion evaluation, or event-bus publish.
type Notifier interface {
	// Notify forwards one event, best-effort. Errors are logged, not returned,
	// since nothing downstream can act on a webhook delivery failure.
	Notify(evt common.Event)
}

type httpNotifier struct {
	goutils.Component
	client      *resty.Client
	receiverURI string
}

/*
NewHTTPNotifier define a new webhook notifier

	@param receiverURI string - URL to POST events to
	@param client *resty.Client - HTTP client to use; assumed already
		configured with timeouts
	@returns new Notifier
*/
func NewHTTPNotifier(receiverURI string, client *resty.Client) (Notifier, error) {
	return &httpNotifier{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "webhook", "component": "notifier", "receiver": receiverURI},
		},
		client:      client,
		receiverURI: receiverURI,
	}, nil
}

func (n *httpNotifier) Notify(evt common.Event) {
	resp, err := n.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(evt).
		SetError(goutils.RestAPIBaseResponse{}).
		Post(n.receiverURI)

	if err != nil {
		log.WithError(err).WithFields(n.LogTags).WithField("camera-id", evt.CameraID).
			Debug("Webhook delivery failed on call")
		return
	}
	if !resp.IsSuccess() {
		log.WithFields(n.LogTags).WithField("camera-id", evt.CameraID).
			WithField("status", resp.StatusCode()).
			Debug(fmt.Sprintf("Webhook delivery rejected: %s", resp.Status()))
	}
}
