package render_test

import (
	"fmt"

	"github.com/openfroyo/lampbox/pkg/render"
)

func ExampleRender() {
	out, err := render.Render(render.MagentoCron, render.CronVars{
		SiteID:  "shop",
		CronSh:  "/etc/magento-cron_shop.sh",
		CronPHP: "/vagrant/sites/shop.local/cron.php",
	})
	if err != nil {
		panic(err)
	}
	fmt.Print(out)
	// Output:
	// # Magento cron for shop
	// */5 * * * * root /etc/magento-cron_shop.sh
}
