package templates

import "callwatch/internal/models"

// Built-in templates used when a channel names no template of its own.
var (
	DefaultEmail = models.Template{
		ID:          "default-email",
		Name:        "默认邮件模板",
		ChannelType: models.ChannelEmail,
		Subject:     "【告警】{rule_name} 触发",
		Body: "您好，\n\n规则 \"{rule_name}\" 在 {window_start} 至 {window_end} 期间触发了告警。\n\n" +
			"触发次数: {count}\n严重程度: {severity}\n\n示例通话ID:\n{call_links}\n\n请及时查看并处理。\n\n" +
			"---\n此邮件由系统自动发送，请勿回复。",
		Format: models.FormatPlain,
	}

	DefaultTeams = models.Template{
		ID:          "default-teams",
		Name:        "Teams 卡片模板",
		ChannelType: models.ChannelTeams,
		Body: `{"@type":"MessageCard","@context":"https://schema.org/extensions","summary":"告警通知","themeColor":"FF0000",` +
			`"title":"告警: {rule_name}","sections":[{"activityTitle":"规则触发详情","facts":[` +
			`{"name":"时间窗口","value":"{window_start} ~ {window_end}"},{"name":"触发次数","value":"{count}"},` +
			`{"name":"严重程度","value":"{severity}"}]}],"potentialAction":[{"@type":"OpenUri","name":"查看详情",` +
			`"targets":[{"os":"default","uri":"{dashboard_link}"}]}]}`,
		Format: models.FormatJSON,
	}

	DefaultWebhook = models.Template{
		ID:          "default-webhook",
		Name:        "Webhook JSON 模板",
		ChannelType: models.ChannelWebhook,
		Body: `{"rule":"{rule_name}","severity":"{severity}","count":{count},` +
			`"window_start":"{window_start}","window_end":"{window_end}","dashboard":"{dashboard_link}"}`,
		Format: models.FormatJSON,
	}
)

// Default returns the built-in template for a channel type.
func Default(ct models.ChannelType) (models.Template, bool) {
	switch ct {
	case models.ChannelEmail:
		return DefaultEmail, true
	case models.ChannelTeams:
		return DefaultTeams, true
	case models.ChannelWebhook:
		return DefaultWebhook, true
	default:
		return models.Template{}, false
	}
}
