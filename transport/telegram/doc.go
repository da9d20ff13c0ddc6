/*
Package telegram connects the match server to a Telegram bot.

The bot's update stream may have only one consumer, so Consumer.Run is
handed to the leader elector and runs only on the replica holding the
lease. When a webhook URL is configured the consumer registers it together
with a secret token and then waits; updates arrive at WebhookHandler on
whichever replica the load balancer picks, and non-leaders answer 503.
Without a webhook, or when registration fails after a few attempts, the
consumer long-polls getUpdates and tracks the offset itself.

Commands:

	/start    greeting with a button that opens the Mini App
	/play     create a match, seat the caller as white, reply with the invite link
	/rating   the caller's rating and record

Telegram users are identified as "tg:<user id>", the same identity the
auth package derives from Mini App initData.
*/
package telegram
