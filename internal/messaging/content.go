package messaging

import (
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// resolveContent picks the variant of a WhatsApp message once, so nothing
// downstream inspects the protobuf. The second result reports protocol-level
// traffic (revokes, edits, reactions, key distribution) that is not a person
// writing.
func resolveContent(msg *waE2E.Message) (models.InboundContent, bool) {
	if msg == nil {
		return models.InboundContent{Kind: models.ContentUnsupported}, true
	}
	switch {
	case msg.Conversation != nil:
		return models.TextContent(msg.GetConversation()), false
	case msg.ExtendedTextMessage != nil:
		return models.TextContent(msg.GetExtendedTextMessage().GetText()), false
	case msg.ImageMessage != nil:
		img := msg.GetImageMessage()
		return models.InboundContent{Kind: models.ContentImage, Caption: img.GetCaption(), MimeType: img.GetMimetype()}, false
	case msg.VideoMessage != nil:
		vid := msg.GetVideoMessage()
		return models.InboundContent{Kind: models.ContentVideo, Caption: vid.GetCaption(), MimeType: vid.GetMimetype()}, false
	case msg.AudioMessage != nil:
		return models.InboundContent{Kind: models.ContentAudio, MimeType: msg.GetAudioMessage().GetMimetype()}, false
	case msg.DocumentMessage != nil:
		doc := msg.GetDocumentMessage()
		return models.InboundContent{Kind: models.ContentDocument, Caption: doc.GetCaption(), MimeType: doc.GetMimetype(), FileName: doc.GetFileName()}, false
	case msg.DocumentWithCaptionMessage != nil:
		return resolveContent(msg.GetDocumentWithCaptionMessage().GetMessage())
	case msg.StickerMessage != nil:
		return models.InboundContent{Kind: models.ContentSticker, MimeType: msg.GetStickerMessage().GetMimetype()}, false
	case msg.LocationMessage != nil:
		loc := msg.GetLocationMessage()
		return models.InboundContent{Kind: models.ContentLocation, Latitude: loc.GetDegreesLatitude(), Longitude: loc.GetDegreesLongitude()}, false
	case msg.LiveLocationMessage != nil:
		loc := msg.GetLiveLocationMessage()
		return models.InboundContent{Kind: models.ContentLocation, Latitude: loc.GetDegreesLatitude(), Longitude: loc.GetDegreesLongitude()}, false
	case msg.ProtocolMessage != nil, msg.ReactionMessage != nil, msg.SenderKeyDistributionMessage != nil,
		msg.PollUpdateMessage != nil, msg.EncReactionMessage != nil:
		return models.InboundContent{Kind: models.ContentUnsupported}, true
	default:
		return models.InboundContent{Kind: models.ContentUnsupported}, false
	}
}
